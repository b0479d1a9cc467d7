// Package fetch retrieves job resources over http(s) or from S3 and persists
// them locally.
package fetch

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/gerrardenok/aws-tbilisi-iot-foundations/pkg/logging"
	"github.com/pkg/errors"
)

const (
	// MaxSize bounds the size of a fetched resource.
	MaxSize        = 10 << 20
	defaultTimeout = time.Minute
)

// ErrFetch is the cause of every failed fetch.
var ErrFetch = errors.New("unable to fetch resource")

// Fetcher fetches resources named by http://, https:// and s3:// locators.
type Fetcher struct {
	log    logging.Logger
	client *http.Client

	s3once sync.Once
	s3     s3iface.S3API
	s3err  error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithS3 replaces the S3 client, which is otherwise created from the
// environment on first use.
func WithS3(api s3iface.S3API) Option {
	return func(f *Fetcher) {
		f.s3once.Do(func() {})
		f.s3 = api
	}
}

// New creates a Fetcher.
func New(log logging.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		log:    log,
		client: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the resource named by locator.
func (f *Fetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return nil, errors.Wrapf(ErrFetch, "invalid locator: %v", err)
	}
	f.log.WithField("locator", u.Redacted()).Debug("fetching")
	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, u)
	case "s3":
		return f.fetchS3(ctx, u)
	}
	return nil, errors.Wrapf(ErrFetch, "unsupported scheme %q", u.Scheme)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(ErrFetch, err.Error())
	}
	resp, err := f.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(ErrFetch, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Wrap(ErrFetch, resp.Status)
	}
	return read(resp.Body)
}

func (f *Fetcher) fetchS3(ctx context.Context, u *url.URL) ([]byte, error) {
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, errors.Wrapf(ErrFetch, "s3 locator needs a bucket and key: %s", u)
	}
	api, err := f.s3Client()
	if err != nil {
		return nil, errors.Wrap(ErrFetch, err.Error())
	}
	out, err := api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrap(ErrFetch, err.Error())
	}
	defer out.Body.Close()
	return read(out.Body)
}

func (f *Fetcher) s3Client() (s3iface.S3API, error) {
	f.s3once.Do(func() {
		sess, err := session.NewSessionWithOptions(session.Options{
			SharedConfigState: session.SharedConfigEnable,
		})
		if err != nil {
			f.s3err = errors.Wrap(err, "unable to create aws session")
			return
		}
		f.s3 = s3.New(sess)
	})
	return f.s3, f.s3err
}

func read(r io.Reader) ([]byte, error) {
	data, err := ioutil.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, errors.Wrap(ErrFetch, err.Error())
	}
	if len(data) > MaxSize {
		return nil, errors.Wrap(ErrFetch, fmt.Sprintf("resource exceeds %d bytes", MaxSize))
	}
	return data, nil
}
