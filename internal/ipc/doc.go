// Package ipc implements the message protocol between the host supervisor
// and the sandbox runtime child.
//
// Messages are newline-delimited JSON objects with a "type" discriminator:
//
//	{"type":"req","id":"req_01J...","method":"workspace.readFile","params":{...}}
//	{"type":"res","id":"req_01J...","ok":true,"result":{...}}
//	{"type":"res","id":"req_01J...","ok":false,"error":{"code":"ERR_PATH_NOT_APPROVED","message":"..."}}
//	{"type":"notify","method":"editor.fileOpened","params":{...}}
//	{"type":"event","method":"activation","params":{...}}
//
// Both processes use the same Peer. A Peer correlates replies to its own
// requests by id, serves inbound requests through a Handler (usually a
// Mux), and passes notifications and events to a callback. Replies are
// matched strictly by id, so concurrent requests may complete in any
// order. A request that times out is evicted; its late reply is dropped.
//
// Example Usage:
//
//	mux := ipc.NewMux()
//	mux.Handle("ping", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
//	    return "pong", nil
//	})
//	peer := ipc.NewPeer(stdin, stdout, ipc.Config{Name: "runtime", Handler: mux})
//	go peer.Serve(ctx)
//	var out Result
//	err := peer.Call(ctx, "workspace.stat", params, &out)
package ipc
