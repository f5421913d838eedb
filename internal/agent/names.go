package agent

// adjectives and nouns supply the pool for auto-minted agent names
// (e.g. "BlueMountain"), mirroring spec's "adjective+noun pool with
// collision-avoidance" requirement.
var adjectives = []string{
	"Blue", "Green", "Red", "Silver", "Golden", "Crimson", "Violet", "Amber",
	"Azure", "Coral", "Ivory", "Jade", "Scarlet", "Teal", "Bronze", "Cobalt",
	"Indigo", "Maroon", "Obsidian", "Pearl",
}

var nouns = []string{
	"Mountain", "Castle", "River", "Forest", "Harbor", "Valley", "Canyon",
	"Meadow", "Summit", "Bridge", "Tower", "Garden", "Island", "Glacier",
	"Orchard", "Plateau", "Reef", "Ridge", "Spring", "Wharf",
}

// candidateName deterministically produces the n-th name in the pool's
// cartesian product, wrapping with a numeric suffix once exhausted.
func candidateName(n int) string {
	total := len(adjectives) * len(nouns)
	base := n % total
	adj := adjectives[base/len(nouns)]
	noun := nouns[base%len(nouns)]
	name := adj + noun
	if suffix := n / total; suffix > 0 {
		name = name + itoa(suffix+1)
	}
	return name
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
