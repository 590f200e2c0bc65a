package broker

import "strings"

// extractUnderlyingFromOSI extracts the underlying symbol from an OSI-formatted option symbol
// e.g., "SPY241220P00450000" -> "SPY"
func extractUnderlyingFromOSI(s string) string {
	// OSI format: UNDERLYING + YYMMDD + P/C + 8-digit strike
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 16 {
		return ""
	}
	i := len(trimmed) - 15
	if !isDigits(trimmed[i:i+6]) || !isDigits(trimmed[i+7:]) {
		return ""
	}
	switch trimmed[i+6] {
	case 'P', 'C', 'p', 'c':
	default:
		return ""
	}
	root := strings.TrimSpace(trimmed[:i])
	return root
}

// OptionTypeFromSymbol returns "put" | "call" | "" from OSI-like symbols, e.g. SPY241220P00450000
func OptionTypeFromSymbol(s string) string {
	trimmed := strings.TrimSpace(s)
	if extractUnderlyingFromOSI(trimmed) == "" {
		return ""
	}
	switch trimmed[len(trimmed)-9] {
	case 'P', 'p':
		return "put"
	default:
		return "call"
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
