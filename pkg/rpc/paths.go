package rpc

// Node RPC routes. Every route takes a POST with a JSON body and answers
// {"status": ..., "data": ...}.
const (
	chainInfoPath = "/chain/getChainInfo"
	getBlockPath  = "/chain/getBlock"
)
