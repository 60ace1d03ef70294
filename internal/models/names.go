package models

import "fmt"

// nationNames maps well-known nation ids to display names. The wire protocol
// carries ids only; anything not listed here falls back to a numeric label.
var nationNames = map[uint16]string{
	5:  "Arcoscephale",
	6:  "Ermor",
	7:  "Ulm",
	8:  "Marverni",
	9:  "Sauromatia",
	10: "T'ien Ch'i",
	11: "Machaka",
	12: "Mictlan",
	13: "Abysia",
	14: "Caelum",
	15: "C'tis",
	16: "Pangaea",
	17: "Agartha",
	18: "Tir na n'Og",
	19: "Fomoria",
	20: "Vanheim",
	21: "Helheim",
	22: "Niefelheim",
	24: "Rus",
	25: "Kailasa",
	26: "Lanka",
	27: "Yomi",
	28: "Hinnom",
	29: "Ur",
	30: "Berytos",
	31: "Xibalba",
	32: "Mekone",
	33: "Ubar",
}

// NationName returns the display name for a nation id.
func NationName(id uint16) string {
	if name, ok := nationNames[id]; ok {
		return name
	}
	return fmt.Sprintf("nation %d", id)
}
