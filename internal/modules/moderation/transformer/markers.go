package transformer

import "strings"

const (
	BlurStart    = "__BLUR_START__"
	BlurEnd      = "__BLUR_END__"
	OverlayStart = "__OVERLAY_START__"
	OverlayEnd   = "__OVERLAY_END__"
	RewriteStart = "__REWRITE_START__"
	RewriteEnd   = "__REWRITE_END__"
)

var markerReplacer = strings.NewReplacer(
	BlurStart, "", BlurEnd, "",
	OverlayStart, "", OverlayEnd, "",
	RewriteStart, "", RewriteEnd, "",
)

// CleanMarkers removes every intervention marker from s.
func CleanMarkers(s string) string {
	return markerReplacer.Replace(s)
}

// WrapBlur wraps s in blur markers.
func WrapBlur(s string) string { return BlurStart + s + BlurEnd }

// WrapOverlay renders the warning overlay. The pipe separates warning from
// content, so it is dropped from the warning.
func WrapOverlay(warning, content string) string {
	warning = strings.TrimSpace(strings.ReplaceAll(CleanMarkers(warning), "|", ""))
	return OverlayStart + warning + "|" + content + OverlayEnd
}

// WrapRewrite wraps replacement text in rewrite markers.
func WrapRewrite(s string) string { return RewriteStart + s + RewriteEnd }
