package analysis

// DefaultIcon is shown for API categories without a dedicated icon.
const DefaultIcon = "far fa-dot-circle"

var categoryIcons = map[string]string{
	"Process":               "fas fa-chart-bar",
	"Command":               "fas fa-terminal",
	"Java Native Interface": "fab fa-cuttlefish",
	"WebView":               "far fa-window-maximize",
	"File IO":               "fas fa-file-signature",
	"Database":              "fas fa-database",
	"IPC":                   "fas fa-broadcast-tower",
	"Binder":                "fas fa-cubes",
	"Crypto":                "fas fa-lock",
	"Crypto - Hash":         "fas fa-hashtag",
	"Device Info":           "fas fa-info",
	"Network":               "fas fa-wifi",
	"Dex Class Loader":      "fas fa-asterisk",
	"Base64":                "fas fa-puzzle-piece",
	"System Manager":        "fas fa-cogs",
	"SMS":                   "fas fa-comment-alt",
	"Device Data":           "fas fa-phone",
}

// Icon maps an API monitor category name to its display icon.
func Icon(category string) string {
	if icon, ok := categoryIcons[category]; ok {
		return icon
	}
	return DefaultIcon
}
