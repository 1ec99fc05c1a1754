package workspace

import (
	"encoding/json"
	"time"

	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/objstore"
	"github.com/manifold-vcs/manifold/internal/refs"
)

// OpLogType enumerates the kinds of node recorded in a workspace's
// operation log.
type OpLogType string

const (
	OpLogCreate       OpLogType = "create"
	OpLogSync         OpLogType = "sync"
	OpLogMergeSource  OpLogType = "merge_source"
	OpLogMergeTarget  OpLogType = "merge_target"
	OpLogDestroy      OpLogType = "destroy"
	OpLogCompensate   OpLogType = "compensate"
)

// opLogEntry is the JSON body of one operation-log commit.
type opLogEntry struct {
	Type         OpLogType `json:"type"`
	Timestamp    string    `json:"timestamp"`
	PayloadEpoch string    `json:"epoch,omitempty"`
	Payload      string    `json:"payload,omitempty"`
}

// AppendOpLog appends a node of the given type to a workspace's
// operation log, chaining it onto the current head/<ws> commit (if
// any). Exported so the merge orchestrator can append merge_source
// and merge_target entries from outside this package.
func AppendOpLog(store objstore.Store, ws ids.WorkspaceId, opType OpLogType, payload string) error {
	return appendOpLog(store, ws, opLogEntry{Type: opType, Payload: payload})
}

func appendOpLog(store objstore.Store, ws ids.WorkspaceId, entry opLogEntry) error {
	entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	headRef := refs.Head(ws)
	parentOid, exists, err := store.ReadRef(headRef)
	if err != nil {
		return err
	}

	var parents []ids.ObjectId
	if exists {
		parents = append(parents, parentOid)
	}

	// Operation-log nodes carry no file content of their own; they
	// reuse an empty tree so the commit is purely a message carrier.
	tree, err := store.WriteTree(nil)
	if err != nil {
		return err
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	newOid, err := store.CreateCommit(tree, parents, string(body), nil)
	if err != nil {
		return err
	}

	expected := ids.ZeroOID
	if exists {
		expected = parentOid
	}
	_, err = store.WriteRefCAS(headRef, expected, newOid)
	return err
}
