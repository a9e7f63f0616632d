package livesession

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// opaque external verification service
type CaptchaVerifier interface {
	Verify(ctx context.Context, token string) (bool, error)
}

type captchaVerifyResult struct {
	Success bool `json:"success"`
}

// posts the token to a recaptcha-style verify endpoint
type HttpCaptchaVerifier struct {
	verifyUrl string
	secret    string
}

func NewHttpCaptchaVerifier(verifyUrl string, secret string) *HttpCaptchaVerifier {
	return &HttpCaptchaVerifier{
		verifyUrl: verifyUrl,
		secret:    secret,
	}
}

func (self *HttpCaptchaVerifier) Verify(ctx context.Context, token string) (bool, error) {
	form := url.Values{}
	form.Set("secret", self.secret)
	form.Set("response", token)

	req, err := http.NewRequestWithContext(ctx, "POST", self.verifyUrl, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return false, err
	}
	if r.StatusCode != http.StatusOK {
		return false, fmt.Errorf("captcha verify status %d", r.StatusCode)
	}

	var result captchaVerifyResult
	if err := json.Unmarshal(responseBodyBytes, &result); err != nil {
		return false, err
	}
	return result.Success, nil
}

// accepts every token. for tests and local development.
type NoopCaptchaVerifier struct{}

func NewNoopCaptchaVerifier() *NoopCaptchaVerifier {
	return &NoopCaptchaVerifier{}
}

func (self *NoopCaptchaVerifier) Verify(ctx context.Context, token string) (bool, error) {
	return true, nil
}
