package mega

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/chanderlud/giga-grabber/internal/cryptox"
)

// DownloadTicket is a negotiated download: the temporary content URL plus
// the file's size and key material.
type DownloadTicket struct {
	URL  string
	Size uint64
	Key  *FileKey
}

// SectionURL returns the content URL serving the inclusive byte range
// [start, end].
func (t *DownloadTicket) SectionURL(start, end uint64) string {
	return fmt.Sprintf("%s/%d-%d", t.URL, start, end)
}

// NegotiateDownload asks the server for a temporary download URL for a file
// node. Public link nodes work without authentication; account nodes require
// a session.
func (c *Client) NegotiateDownload(ctx context.Context, node *Node) (*DownloadTicket, error) {
	key, err := node.FileKey()
	if err != nil {
		return nil, err
	}

	req := DownloadRequest{G: 1, SSL: c.ssl()}
	var sid string
	var query url.Values
	if node.DownloadID != "" {
		sid = c.currentSID()
		query = url.Values{"n": {node.DownloadID}}
		if node.Handle == node.DownloadID {
			handle := node.Handle
			req.PublicHandle = &handle
		} else {
			handle := node.Handle
			req.Node = &handle
		}
	} else {
		sid, err = c.sessionID()
		if err != nil {
			return nil, err
		}
		handle := node.Handle
		req.Node = &handle
	}

	var resp DownloadResponse
	if err := c.sendOne(ctx, sid, query, req, &resp); err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, *resp.Err
	}
	if resp.URL == "" {
		return nil, fmt.Errorf("%w: empty download url", ErrInvalidResponseFormat)
	}
	return &DownloadTicket{URL: resp.URL, Size: resp.Size, Key: key}, nil
}

// UploadTicket is a negotiated upload destination.
type UploadTicket struct {
	URL string
}

// ChunkURL returns the upload URL for the chunk starting at the given
// content offset.
func (t *UploadTicket) ChunkURL(offset uint64) string {
	return fmt.Sprintf("%s/%d", t.URL, offset)
}

// NegotiateUpload asks the server for a temporary upload URL for size bytes.
func (c *Client) NegotiateUpload(ctx context.Context, size uint64) (*UploadTicket, error) {
	sid, err := c.sessionID()
	if err != nil {
		return nil, err
	}

	var resp UploadResponse
	if err := c.sendOne(ctx, sid, nil, UploadRequest{Size: size, SSL: c.ssl()}, &resp); err != nil {
		return nil, err
	}
	if resp.URL == "" {
		return nil, fmt.Errorf("%w: empty upload url", ErrInvalidResponseFormat)
	}
	return &UploadTicket{URL: resp.URL}, nil
}

// CompleteUpload attaches uploaded content to the tree as a file named name
// under parent. The key must carry the content MAC; completionHandle is the
// token returned by the final chunk post. When nodes is non-nil the forest
// is updated with the created node.
func (c *Client) CompleteUpload(ctx context.Context, nodes *Nodes, parent, name string, key *FileKey, completionHandle string) (*Node, error) {
	sid, masterKey, err := c.sessionKeys()
	if err != nil {
		return nil, err
	}

	packed, err := PackAttributes(&FileAttributes{Name: name}, key.Key[:])
	if err != nil {
		return nil, err
	}
	wrapped := key.Merged()
	if err := cryptox.EncryptECBInPlace(masterKey, wrapped); err != nil {
		return nil, err
	}

	req := UploadCompleteRequest{
		Target: parent,
		Nodes: [1]UploadNode{{
			Kind:             KindFile,
			Attributes:       b64.EncodeToString(packed),
			Key:              b64.EncodeToString(wrapped),
			CompletionHandle: completionHandle,
		}},
		IdempotenceID: cryptox.RandomString(10),
	}
	var resp UploadCompleteResponse
	if err := c.sendOne(ctx, sid, nil, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Nodes) == 0 {
		return nil, fmt.Errorf("%w: empty upload completion response", ErrInvalidResponseFormat)
	}

	created := resp.Nodes[0]
	node := &Node{
		Handle:    created.Handle,
		Name:      name,
		Kind:      KindFile,
		Size:      created.Size,
		Parent:    created.Parent,
		Owner:     created.Owner,
		CreatedAt: time.Unix(created.Timestamp, 0).UTC(),
		Key:       key.Merged(),
		FileAttr:  created.FileAttr,
	}
	if node.Parent == "" {
		node.Parent = parent
	}
	if nodes != nil {
		nodes.insert(node)
	}
	return copyNode(node), nil
}
