package mega

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/chanderlud/giga-grabber/internal/cryptox"
)

// AttributeKind selects which binary attribute of a file to transfer.
type AttributeKind int

const (
	AttrThumbnail AttributeKind = 0
	AttrPreview   AttributeKind = 1
)

func (k AttributeKind) String() string {
	switch k {
	case AttrThumbnail:
		return "thumbnail"
	case AttrPreview:
		return "preview"
	default:
		return "unknown"
	}
}

// AttributeHandle extracts the handle of the node's stored attribute of the
// given kind from its descriptor list.
func (n *Node) AttributeHandle(kind AttributeKind) (string, error) {
	want := strconv.Itoa(int(kind))
	for _, part := range strings.Split(n.FileAttr, "/") {
		_, rest, found := strings.Cut(part, ":")
		if !found {
			continue
		}
		kindStr, handle, found := strings.Cut(rest, "*")
		if !found {
			continue
		}
		if kindStr == want && handle != "" {
			return handle, nil
		}
	}
	return "", ErrNodeAttributeNotFound
}

// DownloadAttribute fetches and decrypts a stored thumbnail or preview. The
// record comes back as an 8-byte handle echo, a 4-byte little-endian length,
// and the block-aligned ciphertext.
func (c *Client) DownloadAttribute(ctx context.Context, node *Node, kind AttributeKind) ([]byte, error) {
	handle, err := node.AttributeHandle(kind)
	if err != nil {
		return nil, err
	}

	fah := handle
	r := 1
	req := UploadFileAttributesRequest{AttributeHandle: &fah, SSL: c.ssl(), R: &r}
	var resp UploadFileAttributesResponse
	if err := c.sendOne(ctx, c.currentSID(), nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.URL == "" {
		return nil, fmt.Errorf("%w: empty attribute url", ErrInvalidResponseFormat)
	}

	raw, err := b64.DecodeString(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: attribute handle: %v", ErrInvalidAttributes, err)
	}
	body, err := c.transport.Post(ctx, fmt.Sprintf("%s/%d", resp.URL, kind), bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(payload) < 12 {
		return nil, fmt.Errorf("%w: attribute record too short", ErrInvalidResponseFormat)
	}
	size := binary.LittleEndian.Uint32(payload[8:12])

	ct := payload[12:]
	ct = ct[:len(ct)-len(ct)%16]
	attrKey, err := attributeKey(node.Key)
	if err != nil {
		return nil, err
	}
	if err := cryptox.DecryptCBCInPlace(attrKey, nil, ct); err != nil {
		return nil, err
	}
	if int(size) > len(ct) {
		return nil, fmt.Errorf("%w: attribute length %d exceeds payload", ErrInvalidResponseFormat, size)
	}
	return ct[:size], nil
}

// UploadAttribute encrypts and stores a thumbnail or preview on a file node.
func (c *Client) UploadAttribute(ctx context.Context, node *Node, kind AttributeKind, data []byte) error {
	sid, err := c.sessionID()
	if err != nil {
		return err
	}
	attrKey, err := attributeKey(node.Key)
	if err != nil {
		return err
	}

	buf := slices.Clone(data)
	if rem := len(buf) % 16; rem != 0 {
		buf = append(buf, make([]byte, 16-rem)...)
	}
	if err := cryptox.EncryptCBCInPlace(attrKey, nil, buf); err != nil {
		return err
	}

	handle := node.Handle
	size := uint64(len(buf))
	req := UploadFileAttributesRequest{NodeHandle: &handle, Size: &size, SSL: c.ssl()}
	var resp UploadFileAttributesResponse
	if err := c.sendOne(ctx, sid, nil, req, &resp); err != nil {
		return err
	}
	if resp.URL == "" {
		return fmt.Errorf("%w: empty attribute url", ErrInvalidResponseFormat)
	}

	body, err := c.transport.Post(ctx, fmt.Sprintf("%s/%d", resp.URL, kind), bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return err
	}
	defer body.Close()
	fahBytes, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if len(fahBytes) == 0 {
		return fmt.Errorf("%w: empty attribute handle", ErrInvalidResponseFormat)
	}

	fa := fmt.Sprintf("%d*%s", kind, b64.EncodeToString(fahBytes))
	var ack string
	return c.sendOne(ctx, sid, nil, PutFileAttributesRequest{Node: node.Handle, FileAttribute: fa}, &ack)
}

// DownloadThumbnail fetches a file's thumbnail image.
func (c *Client) DownloadThumbnail(ctx context.Context, node *Node) ([]byte, error) {
	return c.DownloadAttribute(ctx, node, AttrThumbnail)
}

// DownloadPreview fetches a file's preview image.
func (c *Client) DownloadPreview(ctx context.Context, node *Node) ([]byte, error) {
	return c.DownloadAttribute(ctx, node, AttrPreview)
}

// UploadThumbnail stores a thumbnail image on a file node.
func (c *Client) UploadThumbnail(ctx context.Context, node *Node, data []byte) error {
	return c.UploadAttribute(ctx, node, AttrThumbnail, data)
}

// UploadPreview stores a preview image on a file node.
func (c *Client) UploadPreview(ctx context.Context, node *Node, data []byte) error {
	return c.UploadAttribute(ctx, node, AttrPreview, data)
}
