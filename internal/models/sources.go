package models

import "strings"

// RegulatorySource is one entry of the fixed retrieval allow-list. The
// registry is static configuration: retrieval never leaves these domains.
type RegulatorySource struct {
	Key      string `json:"key"`
	FullName string `json:"full_name"`
	URL      string `json:"url"`
}

var regulatorySources = map[string][]RegulatorySource{
	"US": {
		{Key: "SEC", FullName: "U.S. Securities and Exchange Commission", URL: "https://www.sec.gov/news/pressreleases"},
		{Key: "FDA", FullName: "U.S. Food and Drug Administration", URL: "https://www.fda.gov/news-events/fda-newsroom/press-announcements"},
		{Key: "FTC", FullName: "Federal Trade Commission", URL: "https://www.ftc.gov/news-events/news/press-releases"},
		{Key: "Federal Register", FullName: "Federal Register", URL: "https://www.federalregister.gov/documents/current"},
		{Key: "CFTC", FullName: "Commodity Futures Trading Commission", URL: "https://www.cftc.gov/PressRoom/PressReleases"},
		{Key: "FDIC", FullName: "Federal Deposit Insurance Corporation", URL: "https://www.fdic.gov/news/press-releases/"},
		{Key: "FINRA", FullName: "Financial Industry Regulatory Authority", URL: "https://www.finra.org/media-center/newsreleases"},
		{Key: "Federal Reserve Board", FullName: "Federal Reserve Board", URL: "https://www.federalreserve.gov/newsevents/pressreleases.htm"},
	},
	"EU": {
		{Key: "ESMA", FullName: "European Securities and Markets Authority", URL: "https://www.esma.europa.eu/press-news/esma-news"},
		{Key: "EBA", FullName: "European Banking Authority", URL: "https://www.eba.europa.eu/publications-and-media"},
		{Key: "EIOPA", FullName: "European Insurance and Occupational Pensions Authority", URL: "https://www.eiopa.europa.eu/media/news_en"},
		{Key: "European Parliament News", FullName: "European Parliament News", URL: "https://www.europarl.europa.eu/news/en/press-room"},
		{Key: "ECB", FullName: "European Central Bank", URL: "https://www.ecb.europa.eu/press/pr/html/index.en.html"},
	},
	"Asia": {
		{Key: "Japan FSA", FullName: "Financial Services Agency of Japan", URL: "https://www.fsa.go.jp/en/news/"},
		{Key: "Reserve Bank of India (RBI)", FullName: "Reserve Bank of India", URL: "https://www.rbi.org.in/Scripts/BS_PressReleaseDisplay.aspx"},
	},
	"Global": {
		{Key: "BIS", FullName: "Bank for International Settlements", URL: "https://www.bis.org/press/index.htm"},
		{Key: "IMF", FullName: "International Monetary Fund", URL: "https://www.imf.org/en/News"},
		{Key: "World Bank", FullName: "World Bank", URL: "https://www.worldbank.org/en/news/all"},
		{Key: "OECD", FullName: "Organisation for Economic Co-operation and Development", URL: "https://www.oecd.org/newsroom/"},
	},
}

// SourcesFor returns the allow-listed sources for a region. Unknown or
// empty regions fall back to the US list.
func SourcesFor(region string) []RegulatorySource {
	normalized := normalizeRegion(region)
	if sources, ok := regulatorySources[normalized]; ok {
		return sources
	}
	return regulatorySources["US"]
}

// SourceFullName resolves a source key to its display name, returning the
// key unchanged when it is not in the registry.
func SourceFullName(key string) string {
	for _, sources := range regulatorySources {
		for _, source := range sources {
			if source.Key == key {
				return source.FullName
			}
		}
	}
	return key
}

func Regions() []string {
	return []string{"US", "EU", "Asia", "Global"}
}

func normalizeRegion(region string) string {
	switch strings.ToLower(strings.TrimSpace(region)) {
	case "us", "usa", "united states", "america":
		return "US"
	case "eu", "europe", "european union":
		return "EU"
	case "asia", "apac":
		return "Asia"
	case "global", "world", "worldwide", "international":
		return "Global"
	default:
		return region
	}
}
