package protocol

import "fmt"

// NarrationText is the fixed spoken form of a verdict. Everything it says can be
// reconstructed from the verdict alone.
func NarrationText(v Verdict) string {
	redirected := "No"
	if v.Redirect.IsSuspicious {
		redirected = "Yes"
	}
	return fmt.Sprintf(
		"SafeSurf URL Check. Result: %s. Reason: %s. Redirect Information: Final URL is %s. Redirected: %s. Redirect reason: %s.",
		v.Classification.Label, v.Classification.Reason, v.Redirect.FinalURL, redirected, v.Redirect.Reason,
	)
}
