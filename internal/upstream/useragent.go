package upstream

import (
	"math/rand/v2"
	"strings"
)

// Mobile browser templates. Sessions established with a desktop UA get
// invalidated by the portal much faster, so every login impersonates a phone.
var mobileBrowserTemplates = []string{
	// Android
	"Mozilla/5.0 (Linux; Android {android_ver}; {device}) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/{chrome_ver} Mobile Safari/537.36",
	"Mozilla/5.0 (Android {android_ver}; Mobile; rv:{firefox_ver}) Gecko/{gecko_ver} Firefox/{firefox_ver}",
	"Mozilla/5.0 (Linux; Android {android_ver}; {device}) AppleWebKit/537.36 (KHTML, like Gecko) SamsungBrowser/{samsung_ver} Chrome/{chrome_ver} Mobile Safari/537.36",
	// iOS
	"Mozilla/5.0 (iPhone; CPU iPhone OS {ios_ver} like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/{safari_ver} Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPhone; CPU iPhone OS {ios_ver} like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) CriOS/{chrome_ver} Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPhone; CPU iPhone OS {ios_ver} like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) FxiOS/{firefox_ver} Mobile/15E148 Safari/605.1.15",
}

var (
	androidDevices = []string{
		"SM-G991B", "SM-A526B", "SM-S901U", "Pixel 7", "Pixel 6a",
		"Redmi Note 10 Pro", "OnePlus 9", "Xiaomi 12", "Moto G Power",
		"SAMSUNG SM-A515F",
	}
	androidVersions = []string{"10", "11", "12", "13", "14"}
	iosVersions     = []string{"15_6", "16_0", "16_5", "17_0", "17_3"}
	chromeVersions  = []string{
		"110.0.5481.153", "112.0.5615.48", "114.0.5735.90",
		"116.0.5845.92", "118.0.5993.89",
	}
	firefoxVersions = []string{"110.1", "111.0", "112.1", "113.0", "114.2"}
	safariVersions  = []string{"15.6", "16.0", "16.5", "17.0", "17.3"}
	samsungVersions = []string{"17.0", "18.0", "19.0", "20.0", "21.0"}
	geckoVersions   = []string{"20100101", "20220227", "20230812"}
)

// RandomMobileUserAgent generates a plausible mobile browser User-Agent.
// The value is generated once per user at registration and reused for every
// request of that user afterwards.
func RandomMobileUserAgent() string {
	return mobileUserAgent(rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
}

func mobileUserAgent(r *rand.Rand) string {
	pick := func(vals []string) string { return vals[r.IntN(len(vals))] }

	ua := pick(mobileBrowserTemplates)

	repl := strings.NewReplacer(
		"{android_ver}", pick(androidVersions),
		"{ios_ver}", pick(iosVersions),
		"{device}", pick(androidDevices),
		"{chrome_ver}", pick(chromeVersions),
		"{firefox_ver}", pick(firefoxVersions),
		"{safari_ver}", pick(safariVersions),
		"{samsung_ver}", pick(samsungVersions),
		"{gecko_ver}", pick(geckoVersions),
	)
	return repl.Replace(ua)
}
