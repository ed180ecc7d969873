package arrival

// StyleTable resolves per-line and per-direction display attributes
type StyleTable struct {
	RouteColors       map[string]string
	DirectionColors   map[string]string
	DefaultRouteColor string
	SeparatorColor    string
	RailLines         map[string]bool
}

// NewStyleTable builds a table; railLines lists the lines drawn as rail
func NewStyleTable(routeColors, directionColors map[string]string, defaultRouteColor, separatorColor string, railLines []string) *StyleTable {
	rail := make(map[string]bool, len(railLines))
	for _, line := range railLines {
		rail[line] = true
	}
	return &StyleTable{
		RouteColors:       routeColors,
		DirectionColors:   directionColors,
		DefaultRouteColor: defaultRouteColor,
		SeparatorColor:    separatorColor,
		RailLines:         rail,
	}
}

// RouteColor falls back to the default route color for unknown lines
func (t *StyleTable) RouteColor(line string) string {
	if t == nil {
		return ""
	}
	if c, ok := t.RouteColors[line]; ok {
		return c
	}
	return t.DefaultRouteColor
}

func (t *StyleTable) DirectionColor(direction string) string {
	if t == nil {
		return ""
	}
	return t.DirectionColors[direction]
}

func (t *StyleTable) IsRail(line string) bool {
	return t != nil && t.RailLines[line]
}

// Lookup returns the style attached to records of line travelling in direction
func (t *StyleTable) Lookup(line, direction string) Style {
	return Style{
		RouteColor:     t.RouteColor(line),
		DirectionColor: t.DirectionColor(direction),
		Rail:           t.IsRail(line),
	}
}
