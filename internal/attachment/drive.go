package attachment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DriveBaseURL is the Google Drive v3 API root.
const DriveBaseURL = "https://www.googleapis.com/drive/v3"

const googleAppsPrefix = "application/vnd.google-apps."

// ErrTooLarge is returned when a document exceeds the download cap.
var ErrTooLarge = errors.New("document too large")

// TokenSource supplies the bearer token for each fetch.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// DriveSource reads documents from Google Drive. Google-native documents are
// exported: spreadsheets as CSV, everything else as plain text.
type DriveSource struct {
	http   *resty.Client
	tokens TokenSource
}

func NewDriveSource(baseURL string, tokens TokenSource) *DriveSource {
	if baseURL == "" {
		baseURL = DriveBaseURL
	}
	return &DriveSource{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(60 * time.Second),
		tokens: tokens,
	}
}

var (
	drivePathID  = regexp.MustCompile(`/d/([A-Za-z0-9_-]+)`)
	driveQueryID = regexp.MustCompile(`[?&]id=([A-Za-z0-9_-]+)`)
	driveBareID  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// DriveFileID extracts a file id from a Drive or Docs URL, or accepts a bare
// id.
func DriveFileID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if m := drivePathID.FindStringSubmatch(ref); m != nil {
		return m[1], nil
	}
	if m := driveQueryID.FindStringSubmatch(ref); m != nil {
		return m[1], nil
	}
	if driveBareID.MatchString(ref) {
		return ref, nil
	}
	return "", fmt.Errorf("unrecognized document reference %q", ref)
}

type driveFile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType"`
	Size        string `json:"size"`
	WebViewLink string `json:"webViewLink"`
}

func (s *DriveSource) request(ctx context.Context) (*resty.Request, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("drive credential: %w", err)
	}
	return s.http.R().SetContext(ctx).SetAuthToken(token), nil
}

func (s *DriveSource) Metadata(ctx context.Context, ref string) (*Metadata, error) {
	id, err := DriveFileID(ref)
	if err != nil {
		return nil, err
	}
	req, err := s.request(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := req.
		SetQueryParam("fields", "id,name,mimeType,size,webViewLink").
		SetQueryParam("supportsAllDrives", "true").
		Get("/files/" + url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	if resp.IsError() {
		return nil, driveError(resp.StatusCode(), resp.Body())
	}

	var f driveFile
	if err := json.Unmarshal(resp.Body(), &f); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	meta := &Metadata{ID: f.ID, Name: f.Name, MimeType: f.MimeType, Link: f.WebViewLink}
	if f.Size != "" {
		meta.Size, _ = strconv.ParseInt(f.Size, 10, 64)
	}
	return meta, nil
}

// ExportMime is the format a Google-native document is exported in.
func ExportMime(mimeType string) string {
	switch mimeType {
	case googleAppsPrefix + "spreadsheet":
		return "text/csv"
	default:
		return "text/plain"
	}
}

func (s *DriveSource) Download(ctx context.Context, meta *Metadata, maxBytes int64) ([]byte, string, error) {
	req, err := s.request(ctx)
	if err != nil {
		return nil, "", err
	}
	req.SetDoNotParseResponse(true)

	path := "/files/" + url.PathEscape(meta.ID)
	contentType := meta.MimeType
	if strings.HasPrefix(meta.MimeType, googleAppsPrefix) {
		contentType = ExportMime(meta.MimeType)
		req.SetQueryParam("mimeType", contentType)
		path += "/export"
	} else {
		req.SetQueryParam("alt", "media")
	}

	resp, err := req.Get(path)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		raw, _ := io.ReadAll(io.LimitReader(body, 64*1024))
		return nil, "", driveError(resp.StatusCode(), raw)
	}

	data, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read content: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", fmt.Errorf("%w: over %d bytes", ErrTooLarge, maxBytes)
	}
	return data, contentType, nil
}

func driveError(status int, body []byte) error {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return fmt.Errorf("drive returned status %d: %s", status, e.Error.Message)
	}
	return fmt.Errorf("drive returned status %d", status)
}
