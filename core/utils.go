package core

import (
	"reflect"

	"github.com/encodeous/meshsec/state"
)

func Get[T state.MeshModule](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}

// TryGet is Get for modules that may not be registered
func TryGet[T state.MeshModule](s *state.State) (T, bool) {
	t := reflect.TypeFor[T]()
	m, ok := s.Modules[t.String()].(T)
	return m, ok
}

func abs(a int) int {
	if a < 0 {
		return -a
	}
	return a
}
