package mega

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chanderlud/giga-grabber/internal/cryptox"
	"github.com/chanderlud/giga-grabber/internal/logging"
)

// Node is one decrypted entry of the account tree.
type Node struct {
	Handle    string
	Name      string
	Kind      NodeKind
	Size      uint64
	Parent    string // empty for roots
	Owner     string
	CreatedAt time.Time // zero for service roots

	// Key is the node's decrypted key: 32 obfuscated bytes for files,
	// 16 for folders, empty for service roots.
	Key []byte
	// FileAttr is the raw attribute descriptor list (thumbnails, previews).
	FileAttr string
	// DownloadID is the public link id when the node was reached through a
	// link, empty for account nodes.
	DownloadID string
}

// FileKey parses the node's content key material.
func (n *Node) FileKey() (*FileKey, error) {
	if n.Kind != KindFile {
		return nil, fmt.Errorf("%w: node %s is a %s, not a file", ErrInvalidKeyMaterial, n.Handle, n.Kind)
	}
	return UnpackFileKey(n.Key)
}

// Nodes is a decrypted snapshot of the account forest. Mutating operations
// on Client update it once the server has acknowledged, so it remains usable
// without refetching. All methods are safe for concurrent use.
type Nodes struct {
	mu       sync.RWMutex
	byHandle map[string]*Node
	children map[string][]string
	roots    []string
	orphans  []string

	cloudDrive string
	inbox      string
	rubbishBin string
}

func newNodes() *Nodes {
	return &Nodes{
		byHandle: make(map[string]*Node),
		children: make(map[string][]string),
	}
}

// Len reports how many nodes were decrypted.
func (ns *Nodes) Len() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.byHandle)
}

// Get returns the node with the given handle.
func (ns *Nodes) Get(handle string) (*Node, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	n, ok := ns.byHandle[handle]
	if !ok {
		return nil, false
	}
	return copyNode(n), true
}

// Roots returns the top-level nodes: the service roots on an account fetch,
// the shared node on a public link fetch.
func (ns *Nodes) Roots() []*Node {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.copyAll(ns.roots)
}

// Orphans returns nodes whose parent was absent from the listing. They are
// decrypted and usable but belong to no root's subtree.
func (ns *Nodes) Orphans() []*Node {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.copyAll(ns.orphans)
}

// Children returns a node's children in listing order.
func (ns *Nodes) Children(handle string) []*Node {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.copyAll(ns.children[handle])
}

// CloudDrive returns the account's main root.
func (ns *Nodes) CloudDrive() (*Node, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	n, ok := ns.byHandle[ns.cloudDrive]
	if !ok {
		return nil, false
	}
	return copyNode(n), true
}

// Inbox returns the account's inbox root.
func (ns *Nodes) Inbox() (*Node, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	n, ok := ns.byHandle[ns.inbox]
	if !ok {
		return nil, false
	}
	return copyNode(n), true
}

// RubbishBin returns the account's trash root.
func (ns *Nodes) RubbishBin() (*Node, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	n, ok := ns.byHandle[ns.rubbishBin]
	if !ok {
		return nil, false
	}
	return copyNode(n), true
}

// ByPath resolves a slash-separated path of decrypted names. The first
// segment names a root; duplicate names resolve to the first child in
// listing order.
func (ns *Nodes) ByPath(path string) (*Node, error) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")

	var current *Node
	for _, handle := range ns.roots {
		if n := ns.byHandle[handle]; n != nil && n.Name == parts[0] {
			current = n
			break
		}
	}
	if current == nil {
		return nil, ErrNodeNotFound
	}

	for _, part := range parts[1:] {
		var found *Node
		for _, handle := range ns.children[current.Handle] {
			if n := ns.byHandle[handle]; n != nil && n.Name == part {
				found = n
				break
			}
		}
		if found == nil {
			return nil, ErrNodeNotFound
		}
		current = found
	}
	return copyNode(current), nil
}

func (ns *Nodes) copyAll(handles []string) []*Node {
	out := make([]*Node, 0, len(handles))
	for _, handle := range handles {
		if n := ns.byHandle[handle]; n != nil {
			out = append(out, copyNode(n))
		}
	}
	return out
}

func copyNode(n *Node) *Node {
	out := *n
	out.Key = slices.Clone(n.Key)
	return &out
}

func (ns *Nodes) has(handle string) bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	_, ok := ns.byHandle[handle]
	return ok
}

// insert places a node into the forest and the index slices.
func (ns *Nodes) insert(n *Node) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.byHandle[n.Handle] = n
	if n.Parent == "" {
		ns.roots = append(ns.roots, n.Handle)
	} else {
		ns.children[n.Parent] = append(ns.children[n.Parent], n.Handle)
	}
	switch n.Kind {
	case KindRoot:
		ns.cloudDrive = n.Handle
	case KindInbox:
		ns.inbox = n.Handle
	case KindTrash:
		ns.rubbishBin = n.Handle
	}
}

func (ns *Nodes) markOrphan(handle string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.orphans = append(ns.orphans, handle)
}

func (ns *Nodes) rename(handle, name string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if n := ns.byHandle[handle]; n != nil {
		n.Name = name
	}
}

func (ns *Nodes) reparent(handle, target string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	n := ns.byHandle[handle]
	if n == nil {
		return
	}
	ns.detachLocked(n)
	n.Parent = target
	ns.children[target] = append(ns.children[target], handle)
}

// remove drops a node and its whole subtree.
func (ns *Nodes) remove(handle string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	n := ns.byHandle[handle]
	if n == nil {
		return
	}
	ns.detachLocked(n)
	ns.removeSubtreeLocked(handle)
}

func (ns *Nodes) removeSubtreeLocked(handle string) {
	for _, child := range ns.children[handle] {
		ns.removeSubtreeLocked(child)
	}
	delete(ns.children, handle)
	delete(ns.byHandle, handle)
	ns.orphans = deleteHandle(ns.orphans, handle)
}

// detachLocked unlinks a node from its parent's child list or the root list.
func (ns *Nodes) detachLocked(n *Node) {
	if n.Parent == "" {
		ns.roots = deleteHandle(ns.roots, n.Handle)
		return
	}
	kids := deleteHandle(ns.children[n.Parent], n.Handle)
	if len(kids) == 0 {
		delete(ns.children, n.Parent)
	} else {
		ns.children[n.Parent] = kids
	}
}

func deleteHandle(handles []string, handle string) []string {
	return slices.DeleteFunc(handles, func(h string) bool { return h == handle })
}

// checkMove rejects moves that would make a node its own ancestor.
func (ns *Nodes) checkMove(handle, target string) error {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	if ns.byHandle[handle] == nil || ns.byHandle[target] == nil {
		return ErrNodeNotFound
	}
	for cur := target; cur != ""; {
		if cur == handle {
			return ErrCyclicMove
		}
		n := ns.byHandle[cur]
		if n == nil {
			break
		}
		cur = n.Parent
	}
	return nil
}

// nodeKeyResolver attempts to produce a node's decrypted key. ok is false
// when the record should be retried after more of the forest has resolved;
// an error skips the node outright.
type nodeKeyResolver func(fn *FileNode, chain map[string][]byte) (key []byte, ok bool, err error)

// ownKeyResolver unwraps self-owned key entries with the master key and
// share entries with chain keys collected from share roots.
func ownKeyResolver(masterKey []byte) nodeKeyResolver {
	return func(fn *FileNode, chain map[string][]byte) ([]byte, bool, error) {
		for _, part := range strings.Split(fn.Key, "/") {
			id, enc, found := strings.Cut(part, ":")
			if !found {
				continue
			}
			var unwrapKey []byte
			switch {
			case id == fn.Owner:
				unwrapKey = masterKey
			case chain[id] != nil:
				unwrapKey = chain[id]
			default:
				continue
			}
			key, err := b64.DecodeString(enc)
			if err != nil {
				return nil, false, fmt.Errorf("%w: node key: %v", ErrInvalidKeyMaterial, err)
			}
			if err := cryptox.DecryptECBInPlace(unwrapKey, key); err != nil {
				return nil, false, err
			}
			return key, true, nil
		}
		return nil, false, nil
	}
}

// linkKeyResolver unwraps every node key with the key from the public link
// fragment.
func linkKeyResolver(linkKey []byte) nodeKeyResolver {
	return func(fn *FileNode, _ map[string][]byte) ([]byte, bool, error) {
		_, enc, found := strings.Cut(fn.Key, ":")
		if !found {
			return nil, false, fmt.Errorf("%w: malformed node key", ErrInvalidKeyMaterial)
		}
		key, err := b64.DecodeString(enc)
		if err != nil {
			return nil, false, fmt.Errorf("%w: node key: %v", ErrInvalidKeyMaterial, err)
		}
		if err := cryptox.DecryptECBInPlace(linkKey, key); err != nil {
			return nil, false, err
		}
		return key, true, nil
	}
}

func serviceRootName(kind NodeKind) string {
	switch kind {
	case KindInbox:
		return "Inbox"
	case KindTrash:
		return "Trash"
	default:
		return "Root"
	}
}

// assembleForest decrypts raw node records into a forest. Records wait until
// their parent has been placed so key chains resolve top-down; nodes that
// still cannot be decrypted once no pass makes progress are skipped with a
// warning, and decrypted nodes whose parent never appeared are kept as
// orphans.
func assembleForest(ctx context.Context, log logging.Logger, files []FileNode, resolve nodeKeyResolver, masterKey []byte, downloadID string) *Nodes {
	ns := newNodes()

	listed := make(map[string]int, len(files))
	for i := range files {
		listed[files[i].Handle] = i
	}

	chain := make(map[string][]byte)
	pending := make([]*FileNode, 0, len(files))
	for i := range files {
		pending = append(pending, &files[i])
	}

	for len(pending) > 0 {
		progress := false
		remaining := pending[:0]
		for _, fn := range pending {
			if placeNode(ctx, log, ns, chain, listed, resolve, masterKey, downloadID, fn) {
				progress = true
			} else {
				remaining = append(remaining, fn)
			}
		}
		pending = remaining
		if !progress {
			break
		}
	}
	for _, fn := range pending {
		log.Warn(ctx, "skipping inaccessible node", "handle", fn.Handle, "kind", fn.Kind.String())
	}

	// Deferred placement can reorder siblings; restore listing order so
	// duplicate-name lookups stay deterministic.
	for _, kids := range ns.children {
		slices.SortStableFunc(kids, func(a, b string) int { return listed[a] - listed[b] })
	}
	return ns
}

// placeNode processes one record, reporting whether it was consumed. False
// means the record waits for a later pass.
func placeNode(ctx context.Context, log logging.Logger, ns *Nodes, chain map[string][]byte, listed map[string]int, resolve nodeKeyResolver, masterKey []byte, downloadID string, fn *FileNode) bool {
	switch fn.Kind {
	case KindUnknown:
		log.Warn(ctx, "skipping node of unknown kind", "handle", fn.Handle)
		return true
	case KindRoot, KindInbox, KindTrash:
		ns.insert(&Node{
			Handle:     fn.Handle,
			Name:       serviceRootName(fn.Kind),
			Kind:       fn.Kind,
			Owner:      fn.Owner,
			DownloadID: downloadID,
		})
		return true
	}

	_, parentListed := listed[fn.Parent]
	if fn.Parent != "" && parentListed && !ns.has(fn.Parent) {
		return false
	}

	// Share roots carry their subtree's key wrapped with the master key;
	// unwrap it before resolving so descendants can use it.
	if fn.ShareKey != "" && masterKey != nil {
		if sk, err := b64.DecodeString(fn.ShareKey); err == nil && len(sk) >= 16 {
			if err := cryptox.DecryptECBInPlace(masterKey, sk); err == nil {
				chain[fn.Handle] = sk[:16]
			}
		}
	}

	key, ok, err := resolve(fn, chain)
	if err != nil {
		log.Warn(ctx, "skipping undecryptable node", "handle", fn.Handle, "error", err)
		return true
	}
	if !ok {
		return false
	}

	attrKey, err := attributeKey(key)
	if err != nil {
		log.Warn(ctx, "skipping node with unusable key", "handle", fn.Handle, "error", err)
		return true
	}
	raw, err := b64.DecodeString(fn.Attributes)
	if err != nil {
		log.Warn(ctx, "skipping node with malformed attributes", "handle", fn.Handle, "error", err)
		return true
	}
	attrs, err := UnpackAttributes(raw, attrKey)
	if err != nil {
		log.Warn(ctx, "skipping node with undecryptable attributes", "handle", fn.Handle, "error", err)
		return true
	}

	node := &Node{
		Handle:     fn.Handle,
		Name:       attrs.Name,
		Kind:       fn.Kind,
		Size:       fn.Size,
		Parent:     fn.Parent,
		Owner:      fn.Owner,
		CreatedAt:  time.Unix(fn.Timestamp, 0).UTC(),
		Key:        key,
		FileAttr:   fn.FileAttr,
		DownloadID: downloadID,
	}
	ns.insert(node)
	if fn.Parent != "" && !parentListed {
		ns.markOrphan(fn.Handle)
	}
	return true
}

// FetchNodes retrieves and decrypts the account's node forest.
func (c *Client) FetchNodes(ctx context.Context) (*Nodes, error) {
	sid, masterKey, err := c.sessionKeys()
	if err != nil {
		return nil, err
	}

	var resp FetchNodesResponse
	if err := c.sendOne(ctx, sid, nil, FetchNodesRequest{C: 1}, &resp); err != nil {
		return nil, err
	}

	nodes := assembleForest(ctx, c.log, resp.Nodes, ownKeyResolver(masterKey), masterKey, "")
	c.log.Debug(ctx, "fetched node forest", "nodes", nodes.Len())
	return nodes, nil
}

// CreateFolder creates a folder under parent and returns the new node. When
// nodes is non-nil the forest is updated after the server acknowledges.
func (c *Client) CreateFolder(ctx context.Context, nodes *Nodes, parent, name string) (*Node, error) {
	sid, masterKey, err := c.sessionKeys()
	if err != nil {
		return nil, err
	}

	folderKey, err := cryptox.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	packed, err := PackAttributes(&FileAttributes{Name: name}, folderKey)
	if err != nil {
		return nil, err
	}
	wrapped := slices.Clone(folderKey)
	if err := cryptox.EncryptECBInPlace(masterKey, wrapped); err != nil {
		return nil, err
	}

	req := UploadCompleteRequest{
		Target: parent,
		Nodes: [1]UploadNode{{
			Kind:             KindFolder,
			Attributes:       b64.EncodeToString(packed),
			Key:              b64.EncodeToString(wrapped),
			CompletionHandle: "xxxxxxxx",
		}},
		IdempotenceID: cryptox.RandomString(10),
	}
	var resp UploadCompleteResponse
	if err := c.sendOne(ctx, sid, nil, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Nodes) == 0 {
		return nil, fmt.Errorf("%w: empty folder creation response", ErrInvalidResponseFormat)
	}

	created := resp.Nodes[0]
	node := &Node{
		Handle:    created.Handle,
		Name:      name,
		Kind:      KindFolder,
		Parent:    created.Parent,
		Owner:     created.Owner,
		CreatedAt: time.Unix(created.Timestamp, 0).UTC(),
		Key:       folderKey,
	}
	if node.Parent == "" {
		node.Parent = parent
	}
	if nodes != nil {
		nodes.insert(node)
	}
	return copyNode(node), nil
}

// Rename replaces a node's attribute record with one carrying the new name.
// The forest is updated once the server acknowledges.
func (c *Client) Rename(ctx context.Context, nodes *Nodes, handle, name string) error {
	sid, _, err := c.sessionKeys()
	if err != nil {
		return err
	}
	if nodes == nil {
		return ErrNodeNotFound
	}
	node, ok := nodes.Get(handle)
	if !ok {
		return ErrNodeNotFound
	}

	attrKey, err := attributeKey(node.Key)
	if err != nil {
		return err
	}
	packed, err := PackAttributes(&FileAttributes{Name: name}, attrKey)
	if err != nil {
		return err
	}

	req := SetFileAttributesRequest{
		Attributes:    b64.EncodeToString(packed),
		Node:          handle,
		IdempotenceID: cryptox.RandomString(10),
	}
	if err := c.sendOne(ctx, sid, nil, req, nil); err != nil {
		return err
	}
	nodes.rename(handle, name)
	return nil
}

// Move reparents a node. Moving a node into itself or its own descendant is
// rejected locally before any command is sent.
func (c *Client) Move(ctx context.Context, nodes *Nodes, handle, target string) error {
	sid, _, err := c.sessionKeys()
	if err != nil {
		return err
	}
	if nodes == nil {
		return ErrNodeNotFound
	}
	if err := nodes.checkMove(handle, target); err != nil {
		return err
	}

	req := MoveRequest{Node: handle, Target: target, IdempotenceID: cryptox.RandomString(10)}
	if err := c.sendOne(ctx, sid, nil, req, nil); err != nil {
		return err
	}
	nodes.reparent(handle, target)
	return nil
}

// Delete removes a node and its descendants. When nodes is non-nil the
// subtree is dropped from the forest after the server acknowledges.
func (c *Client) Delete(ctx context.Context, nodes *Nodes, handle string) error {
	sid, _, err := c.sessionKeys()
	if err != nil {
		return err
	}

	req := DeleteRequest{Node: handle, IdempotenceID: cryptox.RandomString(10)}
	if err := c.sendOne(ctx, sid, nil, req, nil); err != nil {
		return err
	}
	if nodes != nil {
		nodes.remove(handle)
	}
	return nil
}
