package storefront

import (
	"github.com/sells-group/storefront-sync/internal/extract"
)

// Store names.
const (
	Apple       = "apple"
	Android     = "android"
	Amazon      = "amazon"
	Microsoft   = "microsoft"
	Galaxy      = "galaxy"
	Samsung     = "samsung"
	Zeasn       = "zeasn"
	Roku        = "roku"
	Vizio       = "vizio"
	LG          = "lg"
	PlayStation = "playstation"
)

// appstoreMeta is the meta tag set most storefront detail pages publish.
func appstoreMeta(storeIDColumn string) map[string]string {
	return map[string]string{
		"appstore:store_id":      storeIDColumn,
		"appstore:bundle_id":     "appstore_bundle_id",
		"appstore:developer_url": "appstore_developer_url",
	}
}

func storeLinks() map[string]string {
	return map[string]string{
		"Developer Website": "developerWebsite",
		"App Support":       "appSupportUrl",
		"Privacy Policy":    "privacyPolicyUrl",
	}
}

var (
	metaColumns = []string{"appstore_store_id", "appstore_bundle_id", "appstore_developer_url"}
	linkColumns = []string{"developerWebsite", "appSupportUrl", "privacyPolicyUrl"}
)

func concat(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Defaults returns the built-in storefront descriptors in processing order.
// Reference sources are empty and must come from configuration.
func Defaults() []Descriptor {
	return []Descriptor{
		{
			Name: Apple,
			Kind: KindHTTP,
			URL:  "https://itunes.apple.com/lookup?id={bundle_id}",
			Headers: map[string]string{
				"Accept": "application/json",
			},
			Extract: extract.Spec{
				Kind:   extract.KindJSON,
				Exists: "results.0",
				Paths: map[string]string{
					"trackId":           "results.0.trackId",
					"bundleId":          "results.0.bundleId",
					"trackName":         "results.0.trackName",
					"artistName":        "results.0.artistName",
					"averageUserRating": "results.0.averageUserRating",
					"userRatingCount":   "results.0.userRatingCount",
					"sellerUrl":         "results.0.sellerUrl",
				},
			},
			Enrich: &Enrich{
				URL:  "https://apps.apple.com/app/id{trackId}",
				When: "trackId",
				Extract: extract.Spec{
					Kind:  extract.KindHTMLMeta,
					Meta:  appstoreMeta("appstore_store_id"),
					Links: storeLinks(),
				},
			},
			Columns: concat(
				[]string{"trackId", "bundleId", "trackName", "artistName", "averageUserRating", "userRatingCount", "sellerUrl"},
				metaColumns, linkColumns,
			),
			DeveloperURLColumns: []string{"sellerUrl", "appstore_developer_url", "developerWebsite"},
		},
		{
			Name:                Android,
			Kind:                KindHTTP,
			URL:                 "https://play.google.com/store/apps/details?id={bundle_id}",
			Extract:             extract.Spec{Kind: extract.KindHTMLMeta, Meta: appstoreMeta("appstore_store_id")},
			Columns:             concat(metaColumns),
			DeveloperURLColumns: []string{"appstore_developer_url"},
		},
		{
			Name: Amazon,
			Kind: KindHTTP,
			URL:  "https://www.amazon.com/dp/{bundle_id}/",
			Headers: map[string]string{
				"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
				"Accept-Language": "en-US,en;q=0.9",
				"Cookie":          "${AMAZON_COOKIE}",
			},
			Extract: extract.Spec{
				Kind:  extract.KindHTMLMeta,
				Meta:  appstoreMeta("appstore_store_id"),
				Links: storeLinks(),
			},
			Columns:             concat(metaColumns, linkColumns),
			DeveloperURLColumns: []string{"appstore_developer_url", "privacyPolicyUrl"},
		},
		{
			Name: Microsoft,
			Kind: KindHTTP,
			URL:  "https://apps.microsoft.com/detail/{bundle_id}?hl=en-US&gl=US",
			Headers: map[string]string{
				"Accept":          "*/*",
				"Accept-Language": "en-US,en;q=0.9",
				"Cache-Control":   "no-cache",
				"Pragma":          "no-cache",
				"Referer":         "https://apps.microsoft.com/apps?hl=en-us&gl=US",
				"Sec-Fetch-Dest":  "empty",
				"Sec-Fetch-Mode":  "cors",
				"Sec-Fetch-Site":  "same-origin",
			},
			Cookies: map[string]string{
				"MC1":            "${MICROSOFT_MC1}",
				"MS0":            "${MICROSOFT_MS0}",
				"exp-session-id": "${MICROSOFT_SESSION_ID}",
				"MSCC":           "NR",
			},
			Extract:             extract.Spec{Kind: extract.KindHTMLMeta, Meta: appstoreMeta("appstore_store_id")},
			Columns:             concat(metaColumns),
			DeveloperURLColumns: []string{"appstore_developer_url"},
		},
		{
			Name: Galaxy,
			Kind: KindHTTP,
			URL:  "https://galaxystore.samsung.com/api/detail/{bundle_id}",
			Headers: map[string]string{
				"Accept": "application/json",
			},
			Extract: extract.Spec{
				Kind: extract.KindJSON,
				Paths: map[string]string{
					"trade_name":          "SellerInfo.sellerTradeName",
					"site":                "SellerInfo.sellerSite",
					"address":             "SellerInfo.firstSellerAddress",
					"registration_number": "SellerInfo.registrationNumber",
				},
			},
			Columns:             []string{"trade_name", "site", "address", "registration_number"},
			DeveloperURLColumns: []string{"site"},
		},
		{
			Name:                Samsung,
			Kind:                KindHTTP,
			URL:                 "https://www.samsung.com/us/appstore/app/{bundle_id}/",
			Extract:             extract.Spec{Kind: extract.KindHTMLMeta, Meta: appstoreMeta("app_store_id")},
			Columns:             []string{"app_store_id", "appstore_bundle_id", "appstore_developer_url"},
			DeveloperURLColumns: []string{"appstore_developer_url"},
		},
		{
			Name: Zeasn,
			Kind: KindHTTP,
			URL:  "https://www.zeasn.tv/whaleeco/appstore/detail?appid={bundle_id}",
			Headers: map[string]string{
				"Accept": "*/*",
			},
			Cookies: map[string]string{
				"PHPSESSID": "${ZEASN_PHPSESSID}",
			},
			Extract:             extract.Spec{Kind: extract.KindHTMLMeta, Meta: appstoreMeta("appstore_store_id")},
			Columns:             concat(metaColumns),
			DeveloperURLColumns: []string{"appstore_developer_url"},
		},
		{
			Name: Roku,
			Kind: KindReference,
			Reference: &Reference{
				Keys:       []string{"appstore_bundle_id"},
				TrimSuffix: ".0",
				Fields: map[string]string{
					"appstore_developer_url": "appstore_developer_url",
					"url":                    "store_url",
					"appName":                "appName",
				},
			},
			Columns:             []string{"appstore_developer_url", "store_url", "appName"},
			DeveloperURLColumns: []string{"appstore_developer_url"},
		},
		{
			Name: Vizio,
			Kind: KindReference,
			Reference: &Reference{
				Keys: []string{"data-app-id", "data-bundle-id"},
				Fields: map[string]string{
					"data-developer-url": "data_developer_url",
					"data-app-name":      "data_app_name",
				},
			},
			Columns:             []string{"data_developer_url", "data_app_name"},
			DeveloperURLColumns: []string{"data_developer_url"},
		},
		{
			Name: LG,
			Kind: KindReference,
			Reference: &Reference{
				Keys:       []string{"appId"},
				TrimSuffix: ".0",
				Fields: map[string]string{
					"Developer_URL": "developer_url",
					"appName":       "appName",
				},
			},
			Columns:             []string{"developer_url", "appName"},
			DeveloperURLColumns: []string{"developer_url"},
		},
	}
}
