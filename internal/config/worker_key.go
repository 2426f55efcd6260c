package config

type WorkerKeyStruct struct {
	HeartbeatQueue string
}

var WorkerKey = &WorkerKeyStruct{
	HeartbeatQueue: "flow.heartbeatQueue",
}
