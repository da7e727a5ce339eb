// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package merge implements the three-way merge decision table used to
// reconcile a client's snapshot against the server's current state,
// given their most recent common ancestor.
package merge

import (
	"fmt"
	"sort"

	"github.com/nishisan-dev/n-sync/internal/protocol"
)

// Result is the outcome of a merge: the reconciled path→item tree, and
// the set of server-side items displaced by a conflicting client item.
// Conflict items still need a fresh path assigned by the caller (see
// ResolveConflicts) before they can be inserted into Tree.
type Result struct {
	Tree     map[string]protocol.FileItem
	Conflict []protocol.FileItem
}

// Merge reconciles old (the common ancestor), client, and server sets of
// FileItems, each keyed uniquely by path. It returns an error if any
// input set has a duplicate path.
func Merge(old, client, server []protocol.FileItem) (Result, error) {
	oldTree, err := toTree(old)
	if err != nil {
		return Result{}, fmt.Errorf("merge: old bag: %w", err)
	}
	clientTree, err := toTree(client)
	if err != nil {
		return Result{}, fmt.Errorf("merge: client bag: %w", err)
	}
	serverTree, err := toTree(server)
	if err != nil {
		return Result{}, fmt.Errorf("merge: server bag: %w", err)
	}

	tree := make(map[string]protocol.FileItem)
	var conflict []protocol.FileItem

	for path, item := range clientTree {
		_, inOld := oldTree[path]
		_, inServer := serverTree[path]
		if inOld || inServer {
			continue
		}
		// new on client only
		tree[path] = item
	}

	for path, item := range serverTree {
		_, inOld := oldTree[path]
		_, inClient := clientTree[path]
		if inOld || inClient {
			continue
		}
		// new on server only
		tree[path] = item
	}

	for path, clientItem := range clientTree {
		serverItem, inServer := serverTree[path]
		_, inOld := oldTree[path]
		if inOld || !inServer {
			continue
		}
		// new on both: keep client, server's item conflicts
		tree[path] = clientItem
		conflict = append(conflict, serverItem)
	}

	for path, oldItem := range oldTree {
		clientItem, hasClient := clientTree[path]
		serverItem, hasServer := serverTree[path]

		clientUnchanged := hasClient && sameContent(clientItem, oldItem)
		serverUnchanged := hasServer && sameContent(serverItem, oldItem)

		switch {
		case clientUnchanged:
			switch {
			case serverUnchanged:
				tree[path] = oldItem
			case !hasServer:
				// removed on server: omit
			default:
				tree[path] = serverItem
			}
		case !hasClient:
			switch {
			case serverUnchanged, !hasServer:
				// removed on client (possibly also on server): omit
			default:
				tree[path] = serverItem
			}
		default:
			// client changed
			switch {
			case serverUnchanged, !hasServer:
				tree[path] = clientItem
			default:
				tree[path] = clientItem
				conflict = append(conflict, serverItem)
			}
		}
	}

	return Result{Tree: tree, Conflict: conflict}, nil
}

// sameContent compares two FileItems on the same path by (checksum,
// size); time is never part of this comparison.
func sameContent(a, b protocol.FileItem) bool {
	return a.Checksum == b.Checksum && a.Size == b.Size
}

func toTree(items []protocol.FileItem) (map[string]protocol.FileItem, error) {
	tree := make(map[string]protocol.FileItem, len(items))
	for _, item := range items {
		if _, dup := tree[item.Path]; dup {
			return nil, fmt.Errorf("%w: duplicate path %q", protocol.ErrInvariantViolation, item.Path)
		}
		tree[item.Path] = item
	}
	return tree, nil
}

// ResolveConflicts renames every item in conflict to the smallest-
// numbered free suffix (".1", ".2", …) of its original path that is not
// already a key of tree, then inserts the renamed item into tree. tree
// is mutated in place. Items are renamed in (Path, Checksum, Size) order,
// so the resulting tree is independent of the order of conflict.
func ResolveConflicts(tree map[string]protocol.FileItem, conflict []protocol.FileItem) {
	ordered := append([]protocol.FileItem(nil), conflict...)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Checksum != b.Checksum {
			return a.Checksum < b.Checksum
		}
		return a.Size < b.Size
	})
	for _, item := range ordered {
		for n := 1; ; n++ {
			candidate := fmt.Sprintf("%s.%d", item.Path, n)
			if _, taken := tree[candidate]; !taken {
				renamed := item
				renamed.Path = candidate
				tree[candidate] = renamed
				break
			}
		}
	}
}
