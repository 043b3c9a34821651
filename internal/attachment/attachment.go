// Package attachment applies the upload policy for chat attachments and
// encodes accepted files as base64 data URLs.
package attachment

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Kind is the upstream field an attachment is routed to.
type Kind string

const (
	KindDocument Kind = "document"
	KindImage    Kind = "image"
	KindOther    Kind = ""
)

const encodeConcurrency = 4

var imageSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".svg", ".tif", ".tiff", ".heic"}

// Upload is a file picked by the user that has not been encoded yet.
type Upload struct {
	Name     string
	MimeType string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// Accepted reports whether the mime type is allowed: PDF documents and images.
func Accepted(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt == "application/pdf" || strings.HasPrefix(mt, "image/")
}

// Filter splits uploads into the ones the policy accepts and the rest.
func Filter(uploads []Upload) (accepted, rejected []Upload) {
	isAccepted := func(u Upload, _ int) bool { return Accepted(u.MimeType) }
	return lo.Filter(uploads, isAccepted), lo.Reject(uploads, isAccepted)
}

// Validate returns a validation error naming the first rejected upload.
func Validate(uploads []Upload) error {
	for _, u := range uploads {
		if !Accepted(u.MimeType) {
			return fmt.Errorf("%w: unsupported file type %q for %s", domain.ErrValidation, u.MimeType, u.Name)
		}
	}
	return nil
}

// KindOf routes a file to an upstream field by its name suffix.
func KindOf(name string) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case ext == ".pdf":
		return KindDocument
	case lo.Contains(imageSuffixes, ext):
		return KindImage
	default:
		return KindOther
	}
}

// FromPath builds an Upload for a local file. The mime type comes from the
// extension, falling back to content sniffing.
func FromPath(path string) (Upload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Upload{}, fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return Upload{}, fmt.Errorf("%w: %s is a directory", domain.ErrValidation, path)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType, err = sniff(path)
		if err != nil {
			return Upload{}, err
		}
	}

	return Upload{
		Name:     filepath.Base(path),
		MimeType: mimeType,
		Size:     info.Size(),
		Open:     func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// FromBytes builds an in-memory Upload.
func FromBytes(name, mimeType string, data []byte) Upload {
	return Upload{
		Name:     name,
		MimeType: mimeType,
		Size:     int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// Describe renders an upload for listings, e.g. "report.pdf (1.2 MB)".
func Describe(u Upload) string {
	return fmt.Sprintf("%s (%s)", u.Name, humanize.Bytes(uint64(u.Size)))
}

// EncodeAll encodes uploads concurrently and returns them in input order.
// The batch fails as a whole if any file cannot be read or exceeds maxSize.
// A maxSize of zero disables the size check.
func EncodeAll(ctx context.Context, uploads []Upload, maxSize int64) ([]domain.FileAttachment, error) {
	if len(uploads) == 0 {
		return nil, nil
	}

	out := make([]domain.FileAttachment, len(uploads))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(encodeConcurrency)
	for i, u := range uploads {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fa, err := encode(u, maxSize)
			if err != nil {
				return fmt.Errorf("encode %s: %w", u.Name, err)
			}
			out[i] = fa
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func encode(u Upload, maxSize int64) (domain.FileAttachment, error) {
	if u.Open == nil {
		return domain.FileAttachment{}, fmt.Errorf("%w: no content", domain.ErrValidation)
	}
	rc, err := u.Open()
	if err != nil {
		return domain.FileAttachment{}, fmt.Errorf("open: %w", err)
	}
	defer rc.Close()

	var r io.Reader = rc
	if maxSize > 0 {
		r = io.LimitReader(rc, maxSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return domain.FileAttachment{}, fmt.Errorf("read: %w", err)
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return domain.FileAttachment{}, fmt.Errorf("%w: file larger than %s", domain.ErrValidation, humanize.Bytes(uint64(maxSize)))
	}

	return domain.FileAttachment{
		Name: u.Name,
		Type: u.MimeType,
		Size: int64(len(data)),
		Data: DataURL(u.MimeType, data),
	}, nil
}

// DataURL renders data as "data:<mime>;base64,<payload>".
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func sniff(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	return http.DetectContentType(head[:n]), nil
}
