package kernel

type Version struct {
	Major  int
	Minor  int
	Patch  int
	Flavor string
	valid  bool
}

func (v Version) Valid() bool {
	return v.valid
}

func Compare(a, b Version) int {
	if a.Major > b.Major {
		return 1
	} else if a.Major < b.Major {
		return -1
	}

	if a.Minor > b.Minor {
		return 1
	} else if a.Minor < b.Minor {
		return -1
	}

	if a.Patch > b.Patch {
		return 1
	} else if a.Patch < b.Patch {
		return -1
	}

	return 0
}

// Atleast reports whether the running kernel is at least major.minor.
func Atleast(major int, minor int) bool {
	v := Get()
	if !v.valid {
		return false
	}
	return Compare(v, Version{Major: major, Minor: minor, valid: true}) >= 0
}
