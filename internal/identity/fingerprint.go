package identity

import (
	"math/rand/v2"
	"strings"
)

// Viewport is the browser window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Fingerprint is the set of client attributes a target can observe.
type Fingerprint struct {
	UserAgent           string   `json:"user_agent"`
	Browser             string   `json:"browser"`
	Platform            string   `json:"platform"`
	Viewport            Viewport `json:"viewport"`
	Timezone            string   `json:"timezone"`
	Locale              string   `json:"locale"`
	AcceptLanguage      string   `json:"accept_language"`
	HardwareConcurrency int      `json:"hardware_concurrency"`
	DeviceMemoryGB      int      `json:"device_memory_gb"`
	ColorDepth          int      `json:"color_depth"`
}

type weighted[T any] struct {
	value  T
	weight float64
}

// pick draws from opts proportionally to weight. opts must be non-empty.
func pick[T any](r *rand.Rand, opts []weighted[T]) T {
	var total float64
	for _, o := range opts {
		total += o.weight
	}
	x := r.Float64() * total
	for _, o := range opts {
		if x < o.weight {
			return o.value
		}
		x -= o.weight
	}
	return opts[len(opts)-1].value
}

type agent struct {
	ua       string
	browser  string
	platform string
}

// Shares loosely follow desktop browser/OS telemetry.
var agents = []weighted[agent]{
	{agent{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36", "chrome", "Win32"}, 0.34},
	{agent{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36", "chrome", "Win32"}, 0.14},
	{agent{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36", "chrome", "MacIntel"}, 0.14},
	{agent{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0", "edge", "Win32"}, 0.12},
	{agent{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15", "safari", "MacIntel"}, 0.1},
	{agent{"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0", "firefox", "Win32"}, 0.08},
	{agent{"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36", "chrome", "Linux x86_64"}, 0.05},
	{agent{"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0", "firefox", "Linux x86_64"}, 0.03},
}

var viewports = []weighted[Viewport]{
	{Viewport{1920, 1080}, 0.35},
	{Viewport{1366, 768}, 0.18},
	{Viewport{1536, 864}, 0.14},
	{Viewport{1440, 900}, 0.1},
	{Viewport{1280, 720}, 0.08},
	{Viewport{2560, 1440}, 0.08},
	{Viewport{1680, 1050}, 0.07},
}

type locale struct {
	region   string
	tag      string
	language string
	timezone string
}

var locales = []weighted[locale]{
	{locale{"us", "en-US", "en-US,en;q=0.9", "America/New_York"}, 0.22},
	{locale{"us", "en-US", "en-US,en;q=0.9", "America/Chicago"}, 0.14},
	{locale{"us", "en-US", "en-US,en;q=0.9", "America/Los_Angeles"}, 0.14},
	{locale{"us", "en-US", "en-US,en;q=0.9", "America/Denver"}, 0.05},
	{locale{"ca", "en-CA", "en-CA,en;q=0.9,fr-CA;q=0.7", "America/Toronto"}, 0.08},
	{locale{"gb", "en-GB", "en-GB,en;q=0.9", "Europe/London"}, 0.12},
	{locale{"de", "de-DE", "de-DE,de;q=0.9,en;q=0.7", "Europe/Berlin"}, 0.1},
	{locale{"fr", "fr-FR", "fr-FR,fr;q=0.9,en;q=0.6", "Europe/Paris"}, 0.07},
	{locale{"au", "en-AU", "en-AU,en;q=0.9", "Australia/Sydney"}, 0.08},
}

var (
	cores    = []weighted[int]{{4, 0.25}, {8, 0.45}, {12, 0.15}, {16, 0.15}}
	memories = []weighted[int]{{4, 0.2}, {8, 0.5}, {16, 0.3}}
	depths   = []weighted[int]{{24, 0.85}, {30, 0.15}}
)

// synthesize draws a coherent fingerprint. When region is known the locale
// and timezone are chosen from that region.
func synthesize(r *rand.Rand, region string) Fingerprint {
	a := pick(r, agents)
	loc := pick(r, localesFor(region))
	fp := Fingerprint{
		UserAgent:           a.ua,
		Browser:             a.browser,
		Platform:            a.platform,
		Viewport:            pick(r, viewports),
		Timezone:            loc.timezone,
		Locale:              loc.tag,
		AcceptLanguage:      loc.language,
		HardwareConcurrency: pick(r, cores),
		DeviceMemoryGB:      pick(r, memories),
		ColorDepth:          pick(r, depths),
	}
	if a.platform == "MacIntel" {
		fp.ColorDepth = 30
	}
	return fp
}

func localesFor(region string) []weighted[locale] {
	region = strings.ToLower(region)
	if region == "" {
		return locales
	}
	var out []weighted[locale]
	for _, l := range locales {
		if l.value.region == region {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return locales
	}
	return out
}

// perturb swaps the user agent within the same platform and nudges the
// viewport by at most jitter pixels per axis.
func perturb(r *rand.Rand, fp Fingerprint, jitter int) Fingerprint {
	var same []weighted[agent]
	for _, a := range agents {
		if a.value.platform == fp.Platform && a.value.ua != fp.UserAgent {
			same = append(same, a)
		}
	}
	if len(same) == 0 {
		same = agents
	}
	a := pick(r, same)
	fp.UserAgent = a.ua
	fp.Browser = a.browser
	fp.Platform = a.platform
	if jitter > 0 {
		fp.Viewport.Width = max(800, fp.Viewport.Width+r.IntN(2*jitter+1)-jitter)
		fp.Viewport.Height = max(600, fp.Viewport.Height+r.IntN(2*jitter+1)-jitter)
	}
	return fp
}

// pickProxy draws a weighted proxy, never avoid unless it is the only one.
// Proxies in region are preferred when any qualify.
func pickProxy(r *rand.Rand, proxies []ProxyConfig, avoid, region string) (ProxyConfig, bool) {
	if len(proxies) == 0 {
		return ProxyConfig{}, false
	}
	var local, all []weighted[ProxyConfig]
	for _, p := range proxies {
		if p.URL == avoid && len(proxies) > 1 {
			continue
		}
		w := weighted[ProxyConfig]{p, p.Weight}
		all = append(all, w)
		if region != "" && strings.EqualFold(p.Region, region) {
			local = append(local, w)
		}
	}
	if len(local) > 0 {
		return pick(r, local), true
	}
	return pick(r, all), true
}
