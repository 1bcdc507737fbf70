package mega

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"slices"
	"testing"
)

func TestParsePublicLink(t *testing.T) {
	fileKey := testBuffer(32, 3, 5)
	folderKey := testBuffer(16, 9, 7)

	tests := []struct {
		name string
		raw  string
		want *PublicLink
	}{
		{
			name: "file link",
			raw:  "https://mega.nz/file/AbCd1234#" + b64.EncodeToString(fileKey),
			want: &PublicLink{ID: "AbCd1234", Key: fileKey},
		},
		{
			name: "folder link",
			raw:  "https://mega.nz/folder/XyZw9876#" + b64.EncodeToString(folderKey),
			want: &PublicLink{ID: "XyZw9876", Key: folderKey, Folder: true},
		},
		{
			name: "folder link with subfolder fragment",
			raw:  "https://mega.nz/folder/XyZw9876#" + b64.EncodeToString(folderKey) + "/folder/SubHandl",
			want: &PublicLink{ID: "XyZw9876", Key: folderKey, Folder: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePublicLink(tt.raw)
			if err != nil {
				t.Fatalf("ParsePublicLink() error = %v", err)
			}
			if got.ID != tt.want.ID || got.Folder != tt.want.Folder || !slices.Equal(got.Key, tt.want.Key) {
				t.Errorf("ParsePublicLink() = %+v, want %+v", got, tt.want)
			}
		})
	}

	invalid := []struct {
		name string
		raw  string
	}{
		{"missing fragment", "https://mega.nz/file/AbCd1234"},
		{"missing id", "https://mega.nz/file/#" + b64.EncodeToString(fileKey)},
		{"missing kind segment", "https://mega.nz/AbCd1234#" + b64.EncodeToString(fileKey)},
		{"unknown kind", "https://mega.nz/link/AbCd1234#" + b64.EncodeToString(fileKey)},
		{"file key wrong size", "https://mega.nz/file/AbCd1234#" + b64.EncodeToString(folderKey)},
		{"folder key wrong size", "https://mega.nz/folder/AbCd1234#" + b64.EncodeToString(fileKey)},
		{"key not base64", "https://mega.nz/file/AbCd1234#!!!"},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePublicLink(tt.raw); !errors.Is(err, ErrInvalidPublicLink) {
				t.Errorf("err = %v, want ErrInvalidPublicLink", err)
			}
		})
	}
}

func TestOpenPublicFile(t *testing.T) {
	fileKey := testFileKey(19)
	merged := fileKey.Merged()
	link := &PublicLink{ID: "PUBFILE1", Key: merged}

	ft := &fakeTransport{handler: func(_ string, requests []Request, _ url.Values) ([]json.RawMessage, error) {
		req, ok := requests[0].(DownloadRequest)
		if !ok || req.G != 1 || req.PublicHandle == nil || *req.PublicHandle != "PUBFILE1" {
			t.Errorf("request = %#v", requests[0])
		}
		body, err := json.Marshal(DownloadResponse{
			URL:        "https://dl.example.com/p",
			Size:       555,
			Attributes: packAttrs(t, "pub.bin", merged),
		})
		if err != nil {
			t.Fatalf("marshaling fixture: %v", err)
		}
		return raws(string(body)), nil
	}}
	c := newTestClient(t, ft)

	ns, err := c.OpenPublicLink(context.Background(), link)
	if err != nil {
		t.Fatalf("OpenPublicLink() error = %v", err)
	}
	if ns.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", ns.Len())
	}

	node, ok := ns.Get("PUBFILE1")
	if !ok {
		t.Fatal("shared file missing from forest")
	}
	if node.Name != "pub.bin" || node.Size != 555 || node.Kind != KindFile {
		t.Errorf("node = %+v", node)
	}
	if node.DownloadID != "PUBFILE1" {
		t.Errorf("DownloadID = %q, want PUBFILE1", node.DownloadID)
	}
	parsed, err := node.FileKey()
	if err != nil {
		t.Fatalf("FileKey() error = %v", err)
	}
	if *parsed != *fileKey {
		t.Errorf("file key = %+v, want %+v", parsed, fileKey)
	}
}

func TestOpenPublicFileServerError(t *testing.T) {
	link := &PublicLink{ID: "PUBFILE1", Key: testFileKey(19).Merged()}

	ft := &fakeTransport{handler: func(_ string, _ []Request, _ url.Values) ([]json.RawMessage, error) {
		return raws(`{"e":-8}`), nil
	}}
	c := newTestClient(t, ft)

	_, err := c.OpenPublicLink(context.Background(), link)
	var code ErrorCode
	if !errors.As(err, &code) || code != CodeExpired {
		t.Fatalf("err = %v, want CodeExpired", err)
	}
}

func TestOpenPublicFolder(t *testing.T) {
	linkKey := testBuffer(16, 23, 5)
	rootKey := testBuffer(16, 31, 1)
	fileKey := testFileKey(29)
	merged := fileKey.Merged()

	// Every key under a folder link is wrapped with the link key, and the
	// shared root's parent points outside the listing.
	files := []FileNode{
		{
			Kind:       KindFolder,
			Attributes: packAttrs(t, "shared", rootKey),
			Handle:     "SHARED01",
			Parent:     "OUTSIDE1",
			Owner:      "OTHERUSER99",
			Key:        "SHARED01:" + wrapECB(t, linkKey, rootKey),
			Timestamp:  1700000300,
		},
		{
			Kind:       KindFile,
			Attributes: packAttrs(t, "inner.bin", merged),
			Handle:     "INNER001",
			Parent:     "SHARED01",
			Owner:      "OTHERUSER99",
			Key:        "INNER001:" + wrapECB(t, linkKey, merged),
			Size:       321,
			Timestamp:  1700000301,
		},
	}
	body, err := json.Marshal(FetchNodesResponse{Nodes: files})
	if err != nil {
		t.Fatalf("marshaling fixture: %v", err)
	}

	ft := &fakeTransport{handler: func(_ string, requests []Request, query url.Values) ([]json.RawMessage, error) {
		req, ok := requests[0].(FetchNodesRequest)
		if !ok || req.C != 1 || req.R == nil || *req.R != 1 {
			t.Errorf("request = %#v", requests[0])
		}
		if query.Get("n") != "PUBFLDR1" {
			t.Errorf("query = %v", query)
		}
		return raws(string(body)), nil
	}}
	c := newTestClient(t, ft)

	link := &PublicLink{ID: "PUBFLDR1", Key: linkKey, Folder: true}
	ns, err := c.OpenPublicLink(context.Background(), link)
	if err != nil {
		t.Fatalf("OpenPublicLink() error = %v", err)
	}

	roots := ns.Roots()
	if len(roots) != 1 || roots[0].Handle != "SHARED01" {
		t.Fatalf("Roots() = %+v, want the shared folder", roots)
	}
	if roots[0].Name != "shared" || roots[0].Parent != "" {
		t.Errorf("root = %+v", roots[0])
	}

	inner, ok := ns.Get("INNER001")
	if !ok {
		t.Fatal("inner file missing from forest")
	}
	if inner.Name != "inner.bin" || inner.Size != 321 || inner.Parent != "SHARED01" {
		t.Errorf("inner = %+v", inner)
	}

	// Every node remembers the link so downloads can route through it.
	for _, handle := range []string{"SHARED01", "INNER001"} {
		n, _ := ns.Get(handle)
		if n.DownloadID != "PUBFLDR1" {
			t.Errorf("node %s DownloadID = %q, want PUBFLDR1", handle, n.DownloadID)
		}
	}

	if got, err := ns.ByPath("shared/inner.bin"); err != nil || got.Handle != "INNER001" {
		t.Errorf("ByPath() = %+v, %v", got, err)
	}
}
