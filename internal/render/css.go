package render

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/floegence/tablesynth/internal/augment"
)

const defaultKoreanFonts = "'Malgun Gothic', '맑은 고딕', 'Apple SD Gothic Neo', 'Noto Sans KR', " +
	"'NanumGothic', '나눔고딕', 'Dotum', '돋움', 'Gulim', '굴림', sans-serif"

// InjectedFontFamily is the family name given to a font file embedded with @font-face.
const InjectedFontFamily = "TablesynthFont"

var fontFamilyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)font-family\s*:\s*([^;}{]+)[;}]`),
	regexp.MustCompile(`(?i)font-family\s*=\s*['"]([^'"]+)['"]`),
}

// ExtractFontFamily returns the first font-family declared in src, with double quotes
// normalized to single quotes.
func ExtractFontFamily(src string) string {
	for _, re := range fontFamilyPatterns {
		m := re.FindStringSubmatch(src)
		if m == nil {
			continue
		}
		f := strings.TrimSpace(strings.ReplaceAll(m[1], `"`, `'`))
		if f != "" {
			return f
		}
	}
	return ""
}

func fontStack(family string) string {
	family = strings.TrimSpace(family)
	if family == "" {
		return defaultKoreanFonts
	}
	return family + ", " + defaultKoreanFonts
}

func fontOverrideCSS(family string) string {
	decl := "font-family: " + fontStack(family) + ";"
	return fmt.Sprintf(`
* { %s !important; }
body { %s }
table, th, td { %s }
`, strings.TrimSuffix(decl, ";"), decl, decl)
}

func baseCSS(family string) string {
	return fmt.Sprintf(`
html, body { margin: 0; padding: 0; background: #ffffff; }
#shot { display: inline-block; background: #ffffff; }
html, body, table, th, td, div, span, p, strong {
  font-family: %s !important;
  color: #111;
  font-size: 12px;
  line-height: 1.25;
  font-weight: 400;
}
#shot table { border-collapse: collapse; table-layout: fixed; width: auto; background: #ffffff; }
#shot th, #shot td {
  border: 1px solid #222;
  padding: 6px;
  vertical-align: middle;
  word-break: break-word;
  overflow-wrap: anywhere;
}
#shot th { font-weight: 600; text-align: center; }
`, fontStack(family))
}

func themeCSS(t augment.Theme) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `
#shot th, #shot td { border-color: %s !important; background: %s; }
#shot th { background: %s !important; color: %s !important; }
#shot table tr:first-child td { background: %s; color: %s; font-weight: 600; text-align: center; }
#shot { box-shadow: %s; }
`, t.BorderColor, t.BodyBG, t.HeaderBG, t.HeaderText, t.HeaderBG, t.HeaderText, t.Shadow)
	if t.Zebra {
		fmt.Fprintf(&sb, "#shot table tr:nth-child(even) td { background: %s; }\n", t.StripeBG)
	}
	return sb.String()
}

// FontFaceCSS embeds the font file at path as a base64 @font-face rule named family.
func FontFaceCSS(path string, family string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("font file: %w", err)
	}
	mime, format := "font/otf", "opentype"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ttf":
		mime, format = "font/ttf", "truetype"
	case ".woff":
		mime, format = "font/woff", "woff"
	case ".woff2":
		mime, format = "font/woff2", "woff2"
	}
	return fmt.Sprintf(`
@font-face {
  font-family: "%s";
  src: url("data:%s;base64,%s") format("%s");
  font-weight: 400;
  font-style: normal;
}
`, family, mime, base64.StdEncoding.EncodeToString(b), format), nil
}
