package livesession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// bearer credential from the external identity provider. `Refresh` is
// called transparently on 401; token refresh is a collaborator concern.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

type staticTokenSource struct {
	token string
}

func StaticTokenSource(token string) TokenSource {
	return &staticTokenSource{
		token: token,
	}
}

func (self *staticTokenSource) Token(ctx context.Context) (string, error) {
	return self.token, nil
}

func (self *staticTokenSource) Refresh(ctx context.Context) (string, error) {
	return self.token, nil
}

// true if the token is a jwt with an `exp` claim in the past.
// non-jwt bearer tokens are assumed valid.
func tokenExpired(token string) bool {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return false
	}
	expirationTime, err := parsed.Claims.GetExpirationTime()
	if err != nil || expirationTime == nil {
		return false
	}
	return expirationTime.Before(time.Now())
}

// what the commit watcher needs from the commit host
type CommitFetcher interface {
	// the newest commit authored after `since`, or nil if there is none
	LatestCommit(ctx context.Context, repo string, since time.Time) (*Commit, error)
	// the file changes of one commit
	CommitDiff(ctx context.Context, repo string, sha string) ([]*FileChange, error)
}

type CommitSourceSettings struct {
	PerPage int
}

func DefaultCommitSourceSettings() *CommitSourceSettings {
	return &CommitSourceSettings{
		PerPage: 30,
	}
}

// client for the version-control host. the host's own api semantics are a
// black box returning commit/diff records; this client only shapes
// requests and normalizes responses.
type CommitSource struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl      string
	tokenSource TokenSource

	settings *CommitSourceSettings
}

func NewCommitSourceWithDefaults(ctx context.Context, apiUrl string, tokenSource TokenSource) *CommitSource {
	return NewCommitSource(ctx, apiUrl, tokenSource, DefaultCommitSourceSettings())
}

func NewCommitSource(ctx context.Context, apiUrl string, tokenSource TokenSource, settings *CommitSourceSettings) *CommitSource {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CommitSource{
		ctx:         cancelCtx,
		cancel:      cancel,
		apiUrl:      apiUrl,
		tokenSource: tokenSource,
		settings:    settings,
	}
}

func (self *CommitSource) LatestCommit(ctx context.Context, repo string, since time.Time) (*Commit, error) {
	requestUrl := fmt.Sprintf(
		"%s/repos/%s/commits/latest?since=%s",
		self.apiUrl,
		url.PathEscape(repo),
		url.QueryEscape(since.UTC().Format(time.RFC3339)),
	)
	var commit *Commit
	if err := self.getJson(ctx, requestUrl, &commit); err != nil {
		return nil, err
	}
	if commit == nil || commit.Sha == "" {
		return nil, nil
	}
	if !since.IsZero() && commit.AuthoredAt.Before(since) {
		// the host returned its head commit, which predates the baseline
		return nil, nil
	}
	return commit, nil
}

func (self *CommitSource) CommitDiff(ctx context.Context, repo string, sha string) ([]*FileChange, error) {
	requestUrl := fmt.Sprintf(
		"%s/repos/%s/commits/%s/diff",
		self.apiUrl,
		url.PathEscape(repo),
		url.PathEscape(sha),
	)
	files := []*FileChange{}
	if err := self.getJson(ctx, requestUrl, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// paginated commit list for the commit browser
func (self *CommitSource) Commits(ctx context.Context, repo string, page int, perPage int) ([]*Commit, error) {
	if perPage <= 0 {
		perPage = self.settings.PerPage
	}
	if page <= 0 {
		page = 1
	}
	requestUrl := fmt.Sprintf(
		"%s/repos/%s/commits?page=%d&per_page=%d",
		self.apiUrl,
		url.PathEscape(repo),
		page,
		perPage,
	)
	commits := []*Commit{}
	if err := self.getJson(ctx, requestUrl, &commits); err != nil {
		return nil, err
	}
	return commits, nil
}

func (self *CommitSource) Close() {
	self.cancel()
}

func (self *CommitSource) getJson(ctx context.Context, requestUrl string, result any) error {
	token, err := self.tokenSource.Token(ctx)
	if err != nil {
		return err
	}
	if tokenExpired(token) {
		if token, err = self.tokenSource.Refresh(ctx); err != nil {
			return err
		}
	}

	statusCode, responseBodyBytes, err := self.get(ctx, requestUrl, token)
	if err != nil {
		return err
	}

	if statusCode == http.StatusUnauthorized {
		// refresh the credential and retry once
		token, err = self.tokenSource.Refresh(ctx)
		if err != nil {
			return err
		}
		statusCode, responseBodyBytes, err = self.get(ctx, requestUrl, token)
		if err != nil {
			return err
		}
	}

	if statusCode != http.StatusOK {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = fmt.Sprintf("status %d", statusCode)
		}
		glog.V(2).Infof("[commits]get %s: %s\n", requestUrl, errorMessage)
		return errors.New(errorMessage)
	}

	return json.Unmarshal(responseBodyBytes, result)
}

func (self *CommitSource) get(ctx context.Context, requestUrl string, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", requestUrl, nil)
	if err != nil {
		return 0, nil, err
	}

	req.Header.Add("Accept", "application/json")
	if token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return r.StatusCode, nil, err
	}
	return r.StatusCode, responseBodyBytes, nil
}
