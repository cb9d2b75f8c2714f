package core

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Operation represents a backend storage operation, one of Create, Read, Update, Delete, Write
type Operation string

// all supported database operations. OperationWrite is the combined
// mutation operation of the realtime tree, where create and update
// cannot be told apart before the write happens.
const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationWrite  Operation = "write"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationCreate, OperationRead, OperationUpdate, OperationDelete, OperationWrite:
		return nil
	default:
		return fmt.Errorf("%s is not valid Operation", s)
	}
}

// CleanPath normalizes a tree path: leading and trailing slashes are
// stripped, the empty path stays empty.
func CleanPath(path string) string {
	return strings.Trim(path, "/")
}

// SplitPath splits a clean path into its last segment and the path of
// the containing node. The parent of a top-level path is empty.
func SplitPath(path string) (key string, parent string) {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:], path[:i]
	}
	return path, ""
}
