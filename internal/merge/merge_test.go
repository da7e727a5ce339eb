// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package merge

import (
	"strings"
	"testing"

	"github.com/nishisan-dev/n-sync/internal/protocol"
)

func item(path, checksum string, size uint64) protocol.FileItem {
	return protocol.FileItem{Path: path, Checksum: checksum, Size: size}
}

func ck(b byte) string {
	return strings.Repeat(string(rune(b)), 40)
}

func TestMerge_NewOnClientOnly(t *testing.T) {
	client := []protocol.FileItem{item("a.txt", ck('a'), 1)}
	res, err := Merge(nil, client, nil)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got, ok := res.Tree["a.txt"]; !ok || !got.Equal(client[0]) {
		t.Fatalf("tree[a.txt] = %+v, %v; want %+v", got, ok, client[0])
	}
	if len(res.Conflict) != 0 {
		t.Fatalf("conflict = %v, want none", res.Conflict)
	}
}

func TestMerge_NewOnServerOnly(t *testing.T) {
	server := []protocol.FileItem{item("a.txt", ck('a'), 1)}
	res, err := Merge(nil, nil, server)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got, ok := res.Tree["a.txt"]; !ok || !got.Equal(server[0]) {
		t.Fatalf("tree[a.txt] = %+v, %v; want %+v", got, ok, server[0])
	}
}

func TestMerge_NewOnBothIsConflictKeepsClient(t *testing.T) {
	client := []protocol.FileItem{item("a.txt", ck('a'), 1)}
	server := []protocol.FileItem{item("a.txt", ck('b'), 2)}
	res, err := Merge(nil, client, server)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := res.Tree["a.txt"]; !got.Equal(client[0]) {
		t.Fatalf("tree[a.txt] = %+v, want client item %+v", got, client[0])
	}
	if len(res.Conflict) != 1 || !res.Conflict[0].Equal(server[0]) {
		t.Fatalf("conflict = %+v, want [%+v]", res.Conflict, server[0])
	}
}

func TestMerge_UnchangedOnBothKeepsOld(t *testing.T) {
	old := []protocol.FileItem{item("a.txt", ck('a'), 1)}
	res, err := Merge(old, old, old)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := res.Tree["a.txt"]; !got.Equal(old[0]) {
		t.Fatalf("tree[a.txt] = %+v, want %+v", got, old[0])
	}
}

func TestMerge_RemovedOnServerWhenClientUnchanged(t *testing.T) {
	old := []protocol.FileItem{item("a.txt", ck('a'), 1)}
	res, err := Merge(old, old, nil)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, ok := res.Tree["a.txt"]; ok {
		t.Fatalf("tree[a.txt] present, want removed")
	}
}

func TestMerge_ChangedOnServerWhenClientUnchanged(t *testing.T) {
	old := []protocol.FileItem{item("a.txt", ck('a'), 1)}
	server := []protocol.FileItem{item("a.txt", ck('b'), 2)}
	res, err := Merge(old, old, server)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := res.Tree["a.txt"]; !got.Equal(server[0]) {
		t.Fatalf("tree[a.txt] = %+v, want server item %+v", got, server[0])
	}
}

func TestMerge_RemovedOnClientWhenServerUnchanged(t *testing.T) {
	old := []protocol.FileItem{item("a.txt", ck('a'), 1)}
	res, err := Merge(old, nil, old)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, ok := res.Tree["a.txt"]; ok {
		t.Fatalf("tree[a.txt] present, want removed")
	}
}

func TestMerge_RemovedOnBoth(t *testing.T) {
	old := []protocol.FileItem{item("a.txt", ck('a'), 1)}
	res, err := Merge(old, nil, nil)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, ok := res.Tree["a.txt"]; ok {
		t.Fatalf("tree[a.txt] present, want removed")
	}
}

func TestMerge_RemovedOnClientButChangedOnServerKeepsServer(t *testing.T) {
	old := []protocol.FileItem{item("a.txt", ck('a'), 1)}
	server := []protocol.FileItem{item("a.txt", ck('b'), 2)}
	res, err := Merge(old, nil, server)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := res.Tree["a.txt"]; !got.Equal(server[0]) {
		t.Fatalf("tree[a.txt] = %+v, want %+v", got, server[0])
	}
}

func TestMerge_ChangedOnClientServerUnchangedKeepsClient(t *testing.T) {
	old := []protocol.FileItem{item("a.txt", ck('a'), 1)}
	client := []protocol.FileItem{item("a.txt", ck('b'), 2)}
	res, err := Merge(old, client, old)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := res.Tree["a.txt"]; !got.Equal(client[0]) {
		t.Fatalf("tree[a.txt] = %+v, want client item %+v", got, client[0])
	}
}

func TestMerge_ChangedOnClientRemovedOnServerKeepsClient(t *testing.T) {
	old := []protocol.FileItem{item("a.txt", ck('a'), 1)}
	client := []protocol.FileItem{item("a.txt", ck('b'), 2)}
	res, err := Merge(old, client, nil)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := res.Tree["a.txt"]; !got.Equal(client[0]) {
		t.Fatalf("tree[a.txt] = %+v, want client item %+v (client wins over server removal)", got, client[0])
	}
}

func TestMerge_ChangedOnBothIsConflict(t *testing.T) {
	old := []protocol.FileItem{item("a.txt", ck('a'), 1)}
	client := []protocol.FileItem{item("a.txt", ck('b'), 2)}
	server := []protocol.FileItem{item("a.txt", ck('c'), 3)}
	res, err := Merge(old, client, server)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := res.Tree["a.txt"]; !got.Equal(client[0]) {
		t.Fatalf("tree[a.txt] = %+v, want client item %+v", got, client[0])
	}
	if len(res.Conflict) != 1 || !res.Conflict[0].Equal(server[0]) {
		t.Fatalf("conflict = %+v, want [%+v]", res.Conflict, server[0])
	}
}

func TestMerge_RejectsDuplicatePath(t *testing.T) {
	dup := []protocol.FileItem{item("a.txt", ck('a'), 1), item("a.txt", ck('b'), 2)}
	if _, err := Merge(nil, dup, nil); err == nil {
		t.Fatal("expected error for duplicate path in client bag")
	}
}

func TestResolveConflicts_AssignsSmallestFreeSuffix(t *testing.T) {
	tree := map[string]protocol.FileItem{
		"a.txt":   item("a.txt", ck('a'), 1),
		"a.txt.1": item("a.txt.1", ck('b'), 2),
	}
	conflict := []protocol.FileItem{item("a.txt", ck('c'), 3)}

	ResolveConflicts(tree, conflict)

	got, ok := tree["a.txt.2"]
	if !ok {
		t.Fatalf("expected a.txt.2 to be inserted, tree = %+v", tree)
	}
	if got.Checksum != ck('c') {
		t.Fatalf("a.txt.2 checksum = %s, want %s", got.Checksum, ck('c'))
	}
}

func TestResolveConflicts_IndependentOfOrder(t *testing.T) {
	base := func() map[string]protocol.FileItem {
		return map[string]protocol.FileItem{"a.txt": item("a.txt", ck('a'), 1)}
	}
	conflicts := []protocol.FileItem{
		item("a.txt", ck('b'), 2),
		item("a.txt", ck('c'), 3),
	}

	treeA := base()
	ResolveConflicts(treeA, conflicts)

	reversed := []protocol.FileItem{conflicts[1], conflicts[0]}
	treeB := base()
	ResolveConflicts(treeB, reversed)

	setA := make(map[string]bool)
	for path, it := range treeA {
		setA[path+"|"+it.Checksum] = true
	}
	setB := make(map[string]bool)
	for path, it := range treeB {
		setB[path+"|"+it.Checksum] = true
	}
	if len(setA) != len(setB) {
		t.Fatalf("result sets differ in size: %v vs %v", treeA, treeB)
	}
	for k := range setA {
		if !setB[k] {
			t.Fatalf("result sets differ: %v vs %v", treeA, treeB)
		}
	}
}
