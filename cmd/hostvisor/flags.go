package main

// ServeFlags override the daemon configuration from the command line.
type ServeFlags struct {
	Port       int
	DevMode    bool
	DevModeSet bool
	Listen     string
	NoResume   bool
}

// StartFlags Flag structs to decouple cobra from logic for testing.
type StartFlags struct {
	Port       int
	DevMode    bool
	DevModeSet bool
}

type LogsFlags struct {
	Limit int
	JSON  bool
}

type HistoryFlags struct {
	Limit int
}
