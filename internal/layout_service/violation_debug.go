//go:build sandgate_debug

package layout_service

func init() {
	panicOnViolation = true
}
