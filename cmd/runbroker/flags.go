package main

// Flag structs decouple cobra from the handlers for testing.

type InfoFlags struct {
	Run string
}

type DocumentsFlags struct {
	Run  string
	Fill bool
}

type PartitionsFlags struct {
	Run   string
	Index int
	Fill  bool
}

type HistoryFlags struct {
	UID string
}

type ShiftRootFlags struct {
	UID   string
	Shift int
}

type CorrectRootFlags struct {
	UID  string
	Root string
}

type MoveFilesFlags struct {
	UID          string
	Dest         string
	RemoveOrigin bool
}

type ServeFlags struct {
	ConfigPath    string
	MetricsListen string
}
