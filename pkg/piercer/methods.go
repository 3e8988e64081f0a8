package piercer

// RPC method names exposed across the controller <-> agent boundary.
// Kept as named constants rather than inline string literals since both
// sides of the wire need to agree on the exact spelling.
const (
	// Controller-side methods, callable by agents.
	MethodReceiveCompletion = "receiveCompletion"
	MethodUpdateModels      = "updateModels"
	MethodError             = "error"

	// Agent-side methods, callable by the controller.
	MethodCompletion    = "completion"
	MethodChat          = "chat"
	MethodListModels    = "listModels"
	MethodCurrentModels = "currentModels"
	MethodStartModel    = "startModel"
	MethodDownloadModel = "downloadModel"
	MethodStatus        = "status"
)
