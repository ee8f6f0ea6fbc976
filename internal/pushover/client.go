package pushover

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Endpoint is the Pushover message API.
const Endpoint = "https://api.pushover.net/1/messages.json"

// maxImageBytes caps image downloads at Pushover's attachment size limit.
const maxImageBytes = 5 * 1024 * 1024

// Priority is a Pushover message priority (-2..2).
type Priority int

const (
	PriorityLowest    Priority = -2
	PriorityLow       Priority = -1
	PriorityNormal    Priority = 0
	PriorityHigh      Priority = 1
	PriorityEmergency Priority = 2
)

// Valid reports whether p is inside the Pushover priority range.
func (p Priority) Valid() bool {
	return p >= PriorityLowest && p <= PriorityEmergency
}

// NotificationConfig holds the user-tunable delivery settings applied to
// every relayed message.
type NotificationConfig struct {
	Priority      Priority `json:"priority"`
	Sound         string   `json:"sound"`
	TitleTemplate string   `json:"title_template,omitempty"`
}

// DefaultNotificationConfig mirrors Pushover's defaults: normal priority,
// the stock "pushover" sound.
func DefaultNotificationConfig() NotificationConfig {
	return NotificationConfig{
		Priority: PriorityNormal,
		Sound:    "pushover",
	}
}

// Credentials identify the Pushover application and receiving user.
type Credentials struct {
	UserKey  string
	APIToken string
}

// Payload is one notification to deliver. It is built once per accepted
// message and not modified afterwards. When ImageURLs is non-empty the same
// Body is sent once per image because the API accepts a single attachment
// per request.
type Payload struct {
	Title     string
	Body      string
	ImageURLs []string
	Priority  Priority
	Sound     string
}

// Stage says where in the fan-out a dispatch failure happened.
type Stage string

const (
	StageFetch   Stage = "fetch"   // downloading the image bytes
	StageDeliver Stage = "deliver" // POSTing to the Pushover API
)

// DispatchError describes one failed request of a dispatch. URL is empty for
// text-only sends.
type DispatchError struct {
	Stage  Stage
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *DispatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pushover %s failed", e.Stage)
	if e.URL != "" {
		fmt.Fprintf(&b, " for %s", e.URL)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": HTTP %d %s", e.Status, strings.TrimSpace(e.Body))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Report aggregates the outcome of one dispatch. A partially failed image
// fan-out is not a whole-operation failure; callers inspect Failures.
type Report struct {
	Delivered int
	Failures  []*DispatchError
}

// OK reports whether every request of the dispatch succeeded.
func (r *Report) OK() bool { return len(r.Failures) == 0 }

// Client sends notifications to the Pushover message API. It never retries;
// failed requests are recorded in the Report and left to the caller to log.
type Client struct {
	creds      Credentials
	endpoint   string
	httpClient *http.Client
}

// New creates a Client against the production Pushover endpoint.
func New(creds Credentials) *Client {
	return NewWithEndpoint(creds, Endpoint)
}

// NewWithEndpoint creates a Client against a specific endpoint URL.
func NewWithEndpoint(creds Credentials, endpoint string) *Client {
	return &Client{
		creds:    creds,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send delivers p. With no images it issues a single form POST. With images
// it downloads and sends one request per image, carrying the full Body each
// time; a failed image never stops the remaining ones. Send never returns a
// Go error — every failure is captured in the Report.
func (c *Client) Send(ctx context.Context, p Payload) *Report {
	report := &Report{}

	if len(p.ImageURLs) == 0 {
		if derr := c.postText(ctx, p); derr != nil {
			report.Failures = append(report.Failures, derr)
		} else {
			report.Delivered++
		}
		return report
	}

	for _, imageURL := range p.ImageURLs {
		data, derr := c.fetchImage(ctx, imageURL)
		if derr != nil {
			report.Failures = append(report.Failures, derr)
			continue
		}
		if derr := c.postWithAttachment(ctx, p, imageURL, data); derr != nil {
			report.Failures = append(report.Failures, derr)
			continue
		}
		report.Delivered++
	}
	return report
}

func (c *Client) formFields(p Payload) map[string]string {
	fields := map[string]string{
		"token":    c.creds.APIToken,
		"user":     c.creds.UserKey,
		"message":  p.Body,
		"priority": strconv.Itoa(int(p.Priority)),
		"sound":    p.Sound,
	}
	if p.Title != "" {
		fields["title"] = p.Title
	}
	return fields
}

func (c *Client) postText(ctx context.Context, p Payload) *DispatchError {
	form := url.Values{}
	for k, v := range c.formFields(p) {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &DispatchError{Stage: StageDeliver, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req, "")
}

func (c *Client) postWithAttachment(ctx context.Context, p Payload, imageURL string, image []byte) *DispatchError {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range c.formFields(p) {
		if err := w.WriteField(k, v); err != nil {
			return &DispatchError{Stage: StageDeliver, URL: imageURL, Err: err}
		}
	}

	// Pushover accepts exactly one binary attachment per message.
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="attachment"; filename="image.jpg"`)
	header.Set("Content-Type", "image/jpeg")
	part, err := w.CreatePart(header)
	if err != nil {
		return &DispatchError{Stage: StageDeliver, URL: imageURL, Err: err}
	}
	if _, err := part.Write(image); err != nil {
		return &DispatchError{Stage: StageDeliver, URL: imageURL, Err: err}
	}
	if err := w.Close(); err != nil {
		return &DispatchError{Stage: StageDeliver, URL: imageURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &buf)
	if err != nil {
		return &DispatchError{Stage: StageDeliver, URL: imageURL, Err: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	return c.do(req, imageURL)
}

func (c *Client) do(req *http.Request, imageURL string) *DispatchError {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &DispatchError{Stage: StageDeliver, URL: imageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return &DispatchError{Stage: StageDeliver, URL: imageURL, Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

func (c *Client) fetchImage(ctx context.Context, imageURL string) ([]byte, *DispatchError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, &DispatchError{Stage: StageFetch, URL: imageURL, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &DispatchError{Stage: StageFetch, URL: imageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &DispatchError{Stage: StageFetch, URL: imageURL, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, &DispatchError{Stage: StageFetch, URL: imageURL, Err: err}
	}
	return data, nil
}
