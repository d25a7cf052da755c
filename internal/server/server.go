package server

// Server is a long-running node process driven by a communicator.
type Server interface {
	Start() error
	Stop() error
}
