package client

import (
	"fmt"
	"strings"
)

// HostError pairs a failed host with the error it produced.
type HostError struct {
	Address string
	Err     error
}

func (h HostError) String() string {
	return fmt.Sprintf("%s: %v", h.Address, h.Err)
}

// NoHostAvailable reports that every host in the query plan was tried and
// failed. Errors preserves the order in which hosts were attempted.
type NoHostAvailable struct {
	Errors []HostError
}

func (e *NoHostAvailable) Error() string {
	if len(e.Errors) == 0 {
		return "no hosts available in the query plan"
	}
	parts := make([]string, 0, len(e.Errors))
	for _, he := range e.Errors {
		parts = append(parts, he.String())
	}
	return "no host available to execute the request: " + strings.Join(parts, "; ")
}
