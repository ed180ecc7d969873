package parser

// RouteFilter is an allow-list of line names. A nil or empty filter allows every line.
type RouteFilter map[string]struct{}

func NewRouteFilter(lines []string) RouteFilter {
	if len(lines) == 0 {
		return nil
	}
	f := make(RouteFilter, len(lines))
	for _, line := range lines {
		f[line] = struct{}{}
	}
	return f
}

func (f RouteFilter) Allows(line string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[line]
	return ok
}
