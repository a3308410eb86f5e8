package lti

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OutcomesClient posts replaceResult grade-passback requests (LTI 1.1
// Basic Outcomes, IMS POX envelope) back to the launching platform.
type OutcomesClient struct {
	Secrets SecretSource
	HTTP    *http.Client
}

func NewOutcomesClient(secrets SecretSource) *OutcomesClient {
	return &OutcomesClient{
		Secrets: secrets,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// PostReplaceResult reports a score in [0,1] for the launch's result
// sourcedid. Callers should treat failures as non-fatal; the annotation
// itself has already been stored.
func (c *OutcomesClient) PostReplaceResult(ctx context.Context, l *Launch, score float64) error {
	if l.OutcomeServiceURL == "" || l.ResultSourcedID == "" {
		return fmt.Errorf("lti: launch has no outcome service coordinates")
	}
	if score < 0 || score > 1 {
		return fmt.Errorf("lti: score %v outside [0,1]", score)
	}
	secret, ok := c.Secrets.SecretFor(l.ConsumerKey)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownConsumer, l.ConsumerKey)
	}

	body := replaceResultPOX(l.ResultSourcedID, score)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.OutcomeServiceURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("lti: build outcome request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Authorization", oauthHeader(http.MethodPost, l.OutcomeServiceURL, l.ConsumerKey, secret, body))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("lti: post outcome: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lti: outcome service returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("lti: read outcome response: %w", err)
	}
	if !strings.Contains(string(raw), "<imsx_codeMajor>success</imsx_codeMajor>") {
		return fmt.Errorf("lti: outcome service rejected the result")
	}
	return nil
}

func replaceResultPOX(sourcedID string, score float64) []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(`<imsx_POXEnvelopeRequest xmlns="http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0">`)
	b.WriteString(`<imsx_POXHeader><imsx_POXRequestHeaderInfo>`)
	b.WriteString(`<imsx_version>V1.0</imsx_version>`)
	b.WriteString(`<imsx_messageIdentifier>` + uuid.NewString() + `</imsx_messageIdentifier>`)
	b.WriteString(`</imsx_POXRequestHeaderInfo></imsx_POXHeader>`)
	b.WriteString(`<imsx_POXBody><replaceResultRequest><resultRecord><sourcedGUID>`)
	b.WriteString(`<sourcedId>`)
	_ = xml.EscapeText(&b, []byte(sourcedID))
	b.WriteString(`</sourcedId>`)
	b.WriteString(`</sourcedGUID><result><resultScore>`)
	b.WriteString(`<language>en</language>`)
	b.WriteString(`<textString>` + strconv.FormatFloat(score, 'f', -1, 64) + `</textString>`)
	b.WriteString(`</resultScore></result></resultRecord></replaceResultRequest></imsx_POXBody>`)
	b.WriteString(`</imsx_POXEnvelopeRequest>`)
	return b.Bytes()
}

// oauthHeader builds the OAuth 1.0a Authorization header for a signed
// body-hash request (RFC 5849 header form plus oauth_body_hash).
func oauthHeader(method, rawurl, consumerKey, secret string, body []byte) string {
	params := url.Values{
		"oauth_consumer_key":     {consumerKey},
		"oauth_nonce":            {uuid.NewString()},
		"oauth_signature_method": {"HMAC-SHA1"},
		"oauth_timestamp":        {strconv.FormatInt(time.Now().Unix(), 10)},
		"oauth_version":          {"1.0"},
		"oauth_body_hash":        {bodyHash(body)},
	}
	sig := sign(signatureBaseString(method, rawurl, params), secret)
	params.Set("oauth_signature", sig)

	keys := []string{
		"oauth_body_hash", "oauth_consumer_key", "oauth_nonce",
		"oauth_signature", "oauth_signature_method", "oauth_timestamp", "oauth_version",
	}
	var b strings.Builder
	b.WriteString("OAuth ")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k + `="` + percentEncode(params.Get(k)) + `"`)
	}
	return b.String()
}
