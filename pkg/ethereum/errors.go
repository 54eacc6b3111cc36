package ethereum

import (
	"context"
	"errors"
	"net"
	"strings"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"

	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
)

// JSON-RPC error codes providers use for oversized log queries and reverts.
const (
	codeLimitExceeded   = -32005
	codeExecutionRevert = 3
)

var rangeTooLargeHints = []string{
	"query returned more than",
	"block range",
	"range too large",
	"range is too large",
	"exceed maximum block range",
	"too many blocks",
	"response size exceeded",
	"response size should not",
	"log response size",
	"query timeout exceeded",
	"limit exceeded",
}

var blockNotFoundHints = []string{
	"header not found",
	"block not found",
	"unknown block",
	"missing trie node",
}

var revertHints = []string{
	"execution reverted",
	"revert",
	"invalid opcode",
	"out of gas",
}

var submissionHints = []string{
	"nonce too low",
	"nonce too high",
	"underpriced",
	"already known",
	"known transaction",
	"txpool is full",
	"transaction pool is full",
	"insufficient funds",
	"busy",
	"exceeds block gas limit",
}

func containsAny(msg string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}

func rpcCode(err error) (int, bool) {
	var rerr rpc.Error
	if errors.As(err, &rerr) {
		return rerr.ErrorCode(), true
	}
	return 0, false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// classifyRead maps a read call failure onto the error taxonomy.
func classifyRead(op string, err error) error {
	if err == nil {
		return nil
	}
	var svcErr *apperrors.ServiceError
	if errors.As(err, &svcErr) {
		return err
	}
	if isTimeout(err) {
		return apperrors.ConnectivityError(err, op)
	}
	msg := strings.ToLower(err.Error())
	if code, ok := rpcCode(err); ok && code == codeLimitExceeded {
		return apperrors.RangeTooLargeError(err, op)
	}
	if containsAny(msg, rangeTooLargeHints) {
		return apperrors.RangeTooLargeError(err, op)
	}
	if errors.Is(err, geth.NotFound) || containsAny(msg, blockNotFoundHints) {
		return apperrors.BlockNotFoundError(err, op)
	}
	return apperrors.ConnectivityError(err, op)
}

// classifyWrite maps a simulation or submission failure onto the error taxonomy.
func classifyWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	var svcErr *apperrors.ServiceError
	if errors.As(err, &svcErr) {
		return err
	}
	if isTimeout(err) {
		return apperrors.ConnectivityError(err, op)
	}
	msg := strings.ToLower(err.Error())
	if code, ok := rpcCode(err); ok && code == codeExecutionRevert {
		return apperrors.RevertError(err, op)
	}
	switch {
	case containsAny(msg, submissionHints):
		return apperrors.SubmissionError(err, op)
	case containsAny(msg, revertHints):
		return apperrors.RevertError(err, op)
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return apperrors.ConnectivityError(err, op)
	}
	return apperrors.SubmissionError(err, op)
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
