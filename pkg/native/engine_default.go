//go:build !sdcpp

package native

// NewEngine returns the engine implementation selected at build time. The
// default build has no native library linked and runs on the stub, which is
// enough to exercise the whole server surface; builds tagged sdcpp supply
// the cgo-backed engine instead.
func NewEngine() Engine {
	return NewStubEngine()
}
