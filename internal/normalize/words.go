package normalize

import "strings"

// stateAbbr maps lowercase full state names to USPS abbreviations.
var stateAbbr = map[string]string{
	"alabama": "al", "alaska": "ak", "arizona": "az", "arkansas": "ar",
	"california": "ca", "colorado": "co", "connecticut": "ct", "delaware": "de",
	"florida": "fl", "georgia": "ga", "hawaii": "hi", "idaho": "id",
	"illinois": "il", "indiana": "in", "iowa": "ia", "kansas": "ks",
	"kentucky": "ky", "louisiana": "la", "maine": "me", "maryland": "md",
	"massachusetts": "ma", "michigan": "mi", "minnesota": "mn", "mississippi": "ms",
	"missouri": "mo", "montana": "mt", "nebraska": "ne", "nevada": "nv",
	"new hampshire": "nh", "new jersey": "nj", "new mexico": "nm", "new york": "ny",
	"north carolina": "nc", "north dakota": "nd", "ohio": "oh", "oklahoma": "ok",
	"oregon": "or", "pennsylvania": "pa", "rhode island": "ri", "south carolina": "sc",
	"south dakota": "sd", "tennessee": "tn", "texas": "tx", "utah": "ut",
	"vermont": "vt", "virginia": "va", "washington": "wa", "west virginia": "wv",
	"wisconsin": "wi", "wyoming": "wy", "district of columbia": "dc",
}

// streetWords maps street suffixes, unit designators and directionals to
// their USPS abbreviations. Abbreviations map to themselves implicitly.
var streetWords = map[string]string{
	"street": "st", "avenue": "ave", "av": "ave", "road": "rd", "drive": "dr",
	"boulevard": "blvd", "lane": "ln", "court": "ct", "place": "pl",
	"circle": "cir", "highway": "hwy", "parkway": "pkwy", "terrace": "ter",
	"trail": "trl", "square": "sq", "expressway": "expy", "freeway": "fwy",
	"crossing": "xing", "point": "pt", "mount": "mt", "heights": "hts",
	"apartment": "apt", "suite": "ste", "building": "bldg", "floor": "fl",
	"unit": "unit", "number": "no",
	"north": "n", "south": "s", "east": "e", "west": "w",
	"northeast": "ne", "northwest": "nw", "southeast": "se", "southwest": "sw",
}

// abbreviateState replaces a state name at the end of the address, ahead of
// any trailing ZIP digits, with its abbreviation. Only the tail is
// considered so street names like "Washington Ave" are left alone.
func abbreviateState(words []string) []string {
	end := len(words)
	for trailing := 0; end > 0 && trailing < 2 && isDigits(words[end-1]); trailing++ {
		end--
	}
	for n := 3; n >= 1; n-- {
		start := end - n
		if start < 0 {
			continue
		}
		abbr, ok := stateAbbr[strings.Join(words[start:end], " ")]
		if !ok {
			continue
		}
		out := make([]string, 0, len(words)-n+1)
		out = append(out, words[:start]...)
		out = append(out, abbr)
		return append(out, words[end:]...)
	}
	return words
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
