package registry

import (
	"fmt"
	"reflect"
	"runtime"
)

// Handler materializes external data for one resource. Instances are built
// per resource by a Factory and called once per datum with that datum's
// kwargs.
type Handler interface {
	Retrieve(datumKwargs map[string]any) (any, error)
}

// FileLister is an optional Handler capability: given the kwargs of every
// datum of the handler's resource, it names each file the resource owns.
// CopyFiles and MoveFiles require it.
type FileLister interface {
	FileList(datumKwargs []map[string]any) ([]string, error)
}

// Factory builds Handler instances for one spec. Root is the resource root
// after root-map substitution. Implementations are usually small structs so
// that two registrations of the same factory type share a cache identity
// (see factoryName).
type Factory interface {
	New(root, resourcePath string, resourceKwargs map[string]any) (Handler, error)
}

// FactoryFunc adapts a bare constructor to Factory. All FactoryFunc values
// share one type identity, so prefer a named struct type when precise
// handler-cache eviction matters.
type FactoryFunc func(root, resourcePath string, resourceKwargs map[string]any) (Handler, error)

func (f FactoryFunc) New(root, resourcePath string, resourceKwargs map[string]any) (Handler, error) {
	return f(root, resourcePath, resourceKwargs)
}

// factoryName returns the stable name of a factory's type. Handler cache
// entries and registration conflicts are keyed by this name rather than by
// value identity: reconstructing the same factory type yields the same name,
// matching how handler implementations are re-imported across processes.
func factoryName(f Factory) string {
	t := reflect.TypeOf(f)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() == reflect.Func {
		// Named function values carry no type name; fall back to the symbol.
		if fn := runtime.FuncForPC(reflect.ValueOf(f).Pointer()); fn != nil {
			return fn.Name()
		}
	}
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return fmt.Sprintf("%v", t)
}
