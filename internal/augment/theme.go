package augment

// Theme is a table colour scheme applied on top of the base stylesheet.
type Theme struct {
	Name        string
	BorderColor string
	HeaderBG    string
	HeaderText  string
	StripeBG    string
	BodyBG      string
	Shadow      string
	Zebra       bool
}

// Themes is the fixed palette, in the order theme weights are given.
var Themes = []Theme{
	{Name: "gray_clean", BorderColor: "#222222", HeaderBG: "#f1f1f1", HeaderText: "#111111", StripeBG: "#fafafa", BodyBG: "#ffffff", Shadow: "none", Zebra: true},
	{Name: "soft_card", BorderColor: "#d7dbe7", HeaderBG: "#eef1f8", HeaderText: "#1f2430", StripeBG: "#f8f9fd", BodyBG: "#ffffff", Shadow: "0 6px 18px rgba(0,0,0,0.08)", Zebra: true},
	{Name: "blue_header", BorderColor: "#c8d3ea", HeaderBG: "#2f5aa6", HeaderText: "#ffffff", StripeBG: "#f3f6ff", BodyBG: "#ffffff", Shadow: "0 4px 14px rgba(47,90,166,0.12)", Zebra: true},
	{Name: "mono", BorderColor: "#333333", HeaderBG: "#ffffff", HeaderText: "#111111", StripeBG: "#ffffff", BodyBG: "#ffffff", Shadow: "none", Zebra: false},
}

// DefaultThemeWeights matches Themes by position.
var DefaultThemeWeights = []float64{3.0, 2.5, 0.3, 1.5}

func ThemeByName(name string) (Theme, bool) {
	for _, t := range Themes {
		if t.Name == name {
			return t, true
		}
	}
	return Theme{}, false
}
