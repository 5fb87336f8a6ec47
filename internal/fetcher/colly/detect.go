package collyfetcher

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
)

// DetectorConfig lists the page signals that mark an interstitial.
type DetectorConfig struct {
	CaptchaSelectors []string `mapstructure:"captcha_selectors"`
	CaptchaKeywords  []string `mapstructure:"captcha_keywords"`
	BlockKeywords    []string `mapstructure:"block_keywords"`
	ResultSelector   string   `mapstructure:"result_selector"`
}

// DefaultDetectorConfig returns the built-in signal lists.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		CaptchaSelectors: []string{
			"div.g-recaptcha",
			"iframe[src*='recaptcha']",
			"iframe[src*='hcaptcha']",
			"form#captcha-form",
		},
		CaptchaKeywords: []string{"unusual traffic", "are you a robot", "captcha"},
		BlockKeywords:   []string{"access denied", "request blocked", "you have been blocked"},
		ResultSelector:  "a[href]",
	}
}

// Detector inspects 2xx bodies that are actually captcha or block pages.
type Detector struct {
	selectors      []string
	captcha        [][]byte
	blocked        [][]byte
	resultSelector string
}

// NewDetector builds a Detector. Empty fields fall back to the defaults.
func NewDetector(cfg DetectorConfig) *Detector {
	def := DefaultDetectorConfig()
	if len(cfg.CaptchaSelectors) == 0 {
		cfg.CaptchaSelectors = def.CaptchaSelectors
	}
	if len(cfg.CaptchaKeywords) == 0 {
		cfg.CaptchaKeywords = def.CaptchaKeywords
	}
	if len(cfg.BlockKeywords) == 0 {
		cfg.BlockKeywords = def.BlockKeywords
	}
	if cfg.ResultSelector == "" {
		cfg.ResultSelector = def.ResultSelector
	}
	return &Detector{
		selectors:      cfg.CaptchaSelectors,
		captcha:        lowerKeywords(cfg.CaptchaKeywords),
		blocked:        lowerKeywords(cfg.BlockKeywords),
		resultSelector: cfg.ResultSelector,
	}
}

func lowerKeywords(keywords []string) [][]byte {
	out := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		out = append(out, bytes.ToLower([]byte(kw)))
	}
	return out
}

// Inspect returns the failure kind a response represents and, for clean pages,
// the number of result elements. Non-2xx statuses are classified by code.
func (d *Detector) Inspect(resp Response) (governance.ErrorKind, int) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return governance.KindForStatus(resp.StatusCode), 0
	}
	if len(resp.Body) == 0 {
		return governance.ErrorKindNone, 0
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return governance.ErrorKindNone, 0
	}
	for _, selector := range d.selectors {
		if doc.Find(selector).Length() > 0 {
			return governance.ErrorKindCaptcha, 0
		}
	}
	text := bytes.ToLower([]byte(doc.Find("title").Text() + " " + doc.Find("body").Text()))
	if containsAny(text, d.captcha) {
		return governance.ErrorKindCaptcha, 0
	}
	if containsAny(text, d.blocked) {
		return governance.ErrorKindBlocked, 0
	}
	return governance.ErrorKindNone, doc.Find(d.resultSelector).Length()
}

func containsAny(body []byte, keywords [][]byte) bool {
	for _, kw := range keywords {
		if bytes.Contains(body, kw) {
			return true
		}
	}
	return false
}
