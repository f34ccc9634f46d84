package version

// Current is the release version, without a "v" prefix.
const Current = "0.4.1"

// UserAgent is the default User-Agent sent on outbound discovery requests.
func UserAgent() string {
	return "contactfinder/" + Current + " (+https://github.com/sysiphe/contactfinder)"
}
