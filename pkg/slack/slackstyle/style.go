package slackstyle

const Green = "#228B22"
const Orange = "#E8A33D"
const Red = "#800000"

// StatusIcon is the emoji prefixed to session alert titles
func StatusIcon(healthy bool) string {
	if healthy {
		return ":large_green_circle:"
	}
	return ":red_circle:"
}
