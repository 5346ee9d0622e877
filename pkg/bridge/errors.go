package bridge

import (
	"fmt"

	"github.com/inferfabric/fabric/pkg/rpc"
)

const (
	kindTransportClosed = rpc.KindTransportClosed
	kindWritePoisoned   = rpc.KindTransportWritePoison
	kindCircuitOpen     = rpc.KindTransportCircuitOpen
	kindTimedOut        = rpc.KindTimedOut
	kindAborted         = rpc.KindAborted
	kindOverload        = rpc.KindOverload
)

func newKind(kind rpc.Kind, msg string) *rpc.FabricError {
	return rpc.New(kind, msg)
}

func rpcErrf(code int, format string, args ...interface{}) *rpc.Error {
	return &rpc.Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
