package kyc

import "strings"

var alpha3 = map[string]string{
	"AE": "ARE", "AR": "ARG", "AT": "AUT", "AU": "AUS", "BE": "BEL",
	"BG": "BGR", "BR": "BRA", "CA": "CAN", "CH": "CHE", "CI": "CIV",
	"CL": "CHL", "CM": "CMR", "CN": "CHN", "CO": "COL", "CY": "CYP",
	"CZ": "CZE", "DE": "DEU", "DK": "DNK", "EE": "EST", "EG": "EGY",
	"ES": "ESP", "ET": "ETH", "FI": "FIN", "FR": "FRA", "GB": "GBR",
	"GH": "GHA", "GR": "GRC", "HK": "HKG", "HR": "HRV", "HU": "HUN",
	"ID": "IDN", "IE": "IRL", "IL": "ISR", "IN": "IND", "IS": "ISL",
	"IT": "ITA", "JM": "JAM", "JP": "JPN", "KE": "KEN", "KR": "KOR",
	"LT": "LTU", "LU": "LUX", "LV": "LVA", "MA": "MAR", "MT": "MLT",
	"MX": "MEX", "MY": "MYS", "NG": "NGA", "NL": "NLD", "NO": "NOR",
	"NZ": "NZL", "PE": "PER", "PH": "PHL", "PK": "PAK", "PL": "POL",
	"PT": "PRT", "RO": "ROU", "RW": "RWA", "SA": "SAU", "SE": "SWE",
	"SG": "SGP", "SI": "SVN", "SK": "SVK", "SN": "SEN", "TH": "THA",
	"TR": "TUR", "TW": "TWN", "TZ": "TZA", "UA": "UKR", "UG": "UGA",
	"US": "USA", "VN": "VNM", "ZA": "ZAF", "ZM": "ZMB", "ZW": "ZWE",
}

// normalizeCountry converts an ISO 3166 alpha-2 code to alpha-3. Unknown
// input is returned uppercased.
func normalizeCountry(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if a3, ok := alpha3[code]; ok {
		return a3
	}
	return code
}
