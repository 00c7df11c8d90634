package watermark

import (
	"fmt"
	"strings"
)

// Position identifies the frame corner the watermark is anchored to.
type Position string

const (
	// PositionBottomRight anchors the overlay to the bottom-right corner.
	PositionBottomRight Position = "br"
	// PositionBottomLeft anchors the overlay to the bottom-left corner.
	PositionBottomLeft Position = "bl"
	// PositionTopRight anchors the overlay to the top-right corner.
	PositionTopRight Position = "tr"
	// PositionTopLeft anchors the overlay to the top-left corner.
	PositionTopLeft Position = "tl"
)

// DefaultMargin is the inset, in pixels, between the watermark and the frame
// edge when the caller does not specify one.
const DefaultMargin = 24

// ParsePosition maps the wire value onto a Position. An empty value selects
// the bottom-right default.
func ParsePosition(raw string) (Position, error) {
	switch Position(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return PositionBottomRight, nil
	case PositionBottomRight:
		return PositionBottomRight, nil
	case PositionBottomLeft:
		return PositionBottomLeft, nil
	case PositionTopRight:
		return PositionTopRight, nil
	case PositionTopLeft:
		return PositionTopLeft, nil
	default:
		return "", fmt.Errorf("unknown position %q (expected br, bl, tr, or tl)", raw)
	}
}

// OverlayExpr computes the ffmpeg overlay coordinate expression placing the
// watermark's far edge margin pixels inside the frame boundary. W/H refer to
// the frame, w/h to the (possibly scaled) watermark.
func OverlayExpr(pos Position, margin int) string {
	if margin < 0 {
		margin = 0
	}
	switch pos {
	case PositionTopLeft:
		return fmt.Sprintf("%d:%d", margin, margin)
	case PositionTopRight:
		return fmt.Sprintf("W-w-%d:%d", margin, margin)
	case PositionBottomLeft:
		return fmt.Sprintf("%d:H-h-%d", margin, margin)
	default:
		return fmt.Sprintf("W-w-%d:H-h-%d", margin, margin)
	}
}
