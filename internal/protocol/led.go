package protocol

// LEDPattern names an LED animation a cone can render. Solid patterns
// latch until overwritten; chase patterns self-terminate on the client
// after 3 s and restore the previously latched solid; flash patterns run
// for 5 s.
type LEDPattern string

const (
	LEDOff         LEDPattern = "off"
	LEDSolidGreen  LEDPattern = "solid_green"
	LEDSolidBlue   LEDPattern = "solid_blue"
	LEDSolidRed    LEDPattern = "solid_red"
	LEDSolidAmber  LEDPattern = "solid_amber"
	LEDSolidYellow LEDPattern = "solid_yellow"
	LEDSolidWhite  LEDPattern = "solid_white"
	LEDSolidPurple LEDPattern = "solid_purple"
	LEDSolidCyan   LEDPattern = "solid_cyan"
	LEDBlinkAmber  LEDPattern = "blink_amber"
	LEDRainbow     LEDPattern = "rainbow"
	LEDChase       LEDPattern = "chase"
	LEDChaseRed    LEDPattern = "chase_red"
	LEDChaseGreen  LEDPattern = "chase_green"
	LEDChaseBlue   LEDPattern = "chase_blue"
	LEDChaseAmber  LEDPattern = "chase_amber"
	LEDChaseYellow LEDPattern = "chase_yellow"
	LEDFlashGreen  LEDPattern = "flash_green"
	LEDFlashRed    LEDPattern = "flash_red"
)

var knownPatterns = map[LEDPattern]struct{}{
	LEDOff: {}, LEDSolidGreen: {}, LEDSolidBlue: {}, LEDSolidRed: {},
	LEDSolidAmber: {}, LEDSolidYellow: {}, LEDSolidWhite: {}, LEDSolidPurple: {},
	LEDSolidCyan: {}, LEDBlinkAmber: {}, LEDRainbow: {}, LEDChase: {},
	LEDChaseRed: {}, LEDChaseGreen: {}, LEDChaseBlue: {}, LEDChaseAmber: {},
	LEDChaseYellow: {}, LEDFlashGreen: {}, LEDFlashRed: {},
}

// Valid reports whether p is a pattern the client firmware understands.
func (p LEDPattern) Valid() bool {
	_, ok := knownPatterns[p]
	return ok
}

// SolidForColor maps a course-assigned color tag to its solid pattern.
// Unknown colors fall back to solid white so a misconfigured course is
// visible on the field rather than dark.
func SolidForColor(color string) LEDPattern {
	switch color {
	case "green":
		return LEDSolidGreen
	case "blue":
		return LEDSolidBlue
	case "red":
		return LEDSolidRed
	case "amber":
		return LEDSolidAmber
	case "yellow":
		return LEDSolidYellow
	case "white":
		return LEDSolidWhite
	case "purple":
		return LEDSolidPurple
	case "cyan":
		return LEDSolidCyan
	default:
		return LEDSolidWhite
	}
}

// ChaseForColor maps a color tag to its chase animation.
func ChaseForColor(color string) LEDPattern {
	switch color {
	case "red":
		return LEDChaseRed
	case "green":
		return LEDChaseGreen
	case "blue":
		return LEDChaseBlue
	case "amber":
		return LEDChaseAmber
	case "yellow":
		return LEDChaseYellow
	default:
		return LEDChase
	}
}
