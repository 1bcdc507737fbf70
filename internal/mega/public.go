package mega

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// PublicLink is a parsed share URL: the shared node's id and the decryption
// key carried in the URL fragment.
type PublicLink struct {
	ID     string
	Key    []byte
	Folder bool
}

// ParsePublicLink parses share URLs of the forms
//
//	https://mega.nz/file/{id}#{key}
//	https://mega.nz/folder/{id}#{key}
//
// The fragment key never reaches the server.
func ParsePublicLink(raw string) (*PublicLink, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicLink, err)
	}

	kind, rest, found := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if !found {
		return nil, ErrInvalidPublicLink
	}
	id, _, _ := strings.Cut(rest, "/")
	if id == "" {
		return nil, ErrInvalidPublicLink
	}

	fragment, _, _ := strings.Cut(u.Fragment, "/")
	if fragment == "" {
		return nil, ErrInvalidPublicLink
	}
	key, err := b64.DecodeString(fragment)
	if err != nil {
		return nil, fmt.Errorf("%w: key: %v", ErrInvalidPublicLink, err)
	}

	link := &PublicLink{ID: id, Key: key}
	switch kind {
	case "file":
		if len(key) != 32 {
			return nil, fmt.Errorf("%w: file key must be 32 bytes", ErrInvalidPublicLink)
		}
	case "folder":
		link.Folder = true
		if len(key) != 16 {
			return nil, fmt.Errorf("%w: folder key must be 16 bytes", ErrInvalidPublicLink)
		}
	default:
		return nil, ErrInvalidPublicLink
	}
	return link, nil
}

// OpenPublicLink fetches the node or subtree a share URL points at. No login
// is needed; every key decrypts with the key from the link fragment.
func (c *Client) OpenPublicLink(ctx context.Context, link *PublicLink) (*Nodes, error) {
	if link.Folder {
		return c.openPublicFolder(ctx, link)
	}
	return c.openPublicFile(ctx, link)
}

// openPublicFile describes a single shared file via the download command and
// assembles a one-node forest around it.
func (c *Client) openPublicFile(ctx context.Context, link *PublicLink) (*Nodes, error) {
	handle := link.ID
	req := DownloadRequest{G: 1, SSL: 0, PublicHandle: &handle}

	var resp DownloadResponse
	if err := c.sendOne(ctx, c.currentSID(), nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, *resp.Err
	}

	attrKey, err := attributeKey(link.Key)
	if err != nil {
		return nil, err
	}
	raw, err := b64.DecodeString(resp.Attributes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	attrs, err := UnpackAttributes(raw, attrKey)
	if err != nil {
		return nil, err
	}

	nodes := newNodes()
	nodes.insert(&Node{
		Handle:     link.ID,
		Name:       attrs.Name,
		Kind:       KindFile,
		Size:       resp.Size,
		Key:        link.Key,
		DownloadID: link.ID,
	})
	return nodes, nil
}

// openPublicFolder fetches the shared subtree. Records whose parent is
// outside the share are its roots.
func (c *Client) openPublicFolder(ctx context.Context, link *PublicLink) (*Nodes, error) {
	recursive := 1
	req := FetchNodesRequest{C: 1, R: &recursive}
	query := url.Values{"n": {link.ID}}

	var resp FetchNodesResponse
	if err := c.sendOne(ctx, c.currentSID(), query, req, &resp); err != nil {
		return nil, err
	}

	listed := make(map[string]struct{}, len(resp.Nodes))
	for i := range resp.Nodes {
		listed[resp.Nodes[i].Handle] = struct{}{}
	}
	for i := range resp.Nodes {
		if _, ok := listed[resp.Nodes[i].Parent]; !ok {
			resp.Nodes[i].Parent = ""
		}
	}

	nodes := assembleForest(ctx, c.log, resp.Nodes, linkKeyResolver(link.Key), nil, link.ID)
	c.log.Debug(ctx, "fetched public folder", "link", link.ID, "nodes", nodes.Len())
	return nodes, nil
}
