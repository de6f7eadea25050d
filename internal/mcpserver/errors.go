package mcpserver

import "github.com/simplemem/simplemem/internal/memory"

// codeFor maps a KindedError's ErrorKind to its JSON-RPC code.
func codeFor(err error) int {
	switch memory.As(err) {
	case memory.KindAuthError:
		return CodeAuthError
	case memory.KindTenantMismatch:
		return CodeTenantMismatch
	case memory.KindNotFound:
		return CodeNotFound
	case memory.KindInvalidArgument:
		return CodeInvalidParams
	case memory.KindSessionState:
		return CodeSessionState
	case memory.KindProviderError:
		return CodeProviderError
	case memory.KindDeadlineExceeded:
		return CodeDeadlineExceeded
	default:
		return CodeStoreError
	}
}
