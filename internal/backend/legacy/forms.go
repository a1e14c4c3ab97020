package legacy

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// formField はフォームの入力項目。
type formField struct {
	name    string
	value   string
	kind    string // text, hidden, checkbox, radio, select, textarea など
	checked bool
}

// htmlForm は応答HTMLから取り出したフォーム。
type htmlForm struct {
	action string
	method string
	fields []formField
}

// has は指定した名前の項目があるかを返す。
func (f *htmlForm) has(name string) bool {
	for _, fl := range f.fields {
		if fl.name == name {
			return true
		}
	}
	return false
}

// hasPrefix は名前が接頭辞で始まる項目があるかを返す。
func (f *htmlForm) hasPrefix(prefix string) bool {
	for _, fl := range f.fields {
		if strings.HasPrefix(fl.name, prefix) {
			return true
		}
	}
	return false
}

// match は名前が接頭辞で始まり、続く記録番号がidと一致する項目名を返す。
// 項目名は「接頭辞 + 記録種別(任意) + 番号 + x連番(任意)」の形。idが空なら接頭辞だけで選ぶ。
func (f *htmlForm) match(prefix, id string) []string {
	want := recordNumber(id)
	var names []string
	seen := map[string]bool{}
	for _, fl := range f.fields {
		if !strings.HasPrefix(fl.name, prefix) || seen[fl.name] {
			continue
		}
		if id != "" {
			got, ok := fieldRecordNumber(fl.name[len(prefix):])
			if !ok || got != want {
				continue
			}
		}
		names = append(names, fl.name)
		seen[fl.name] = true
	}
	return names
}

// recordNumber は ".i123" や "i123" から番号部分を取り出す。
func recordNumber(id string) string {
	id = strings.TrimPrefix(id, ".")
	if len(id) > 1 && isLetter(id[0]) && isDigit(id[1]) {
		id = id[1:]
	}
	return id
}

// fieldRecordNumber は項目名の接頭辞以降から番号部分を取り出す。
// 番号の後ろは空か "x" で始まる連番でなければならない。
func fieldRecordNumber(rest string) (string, bool) {
	rest = recordNumber(rest)
	end := 0
	for end < len(rest) && isDigit(rest[end]) {
		end++
	}
	if end == 0 {
		return "", false
	}
	if end < len(rest) && rest[end] != 'x' {
		return "", false
	}
	return rest[:end], true
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return c >= 'a' && c <= 'z' }

// set は項目の値を設定する。チェックボックスとラジオは選択状態にする。
// 項目がない場合は hidden として追加する。
func (f *htmlForm) set(name, value string) {
	found := false
	for i := range f.fields {
		fl := &f.fields[i]
		if fl.name != name {
			continue
		}
		switch fl.kind {
		case "radio":
			// 同名のラジオは値が一致するものだけを選択する
			fl.checked = fl.value == value
			found = found || fl.checked
		case "checkbox":
			fl.checked = true
			if value != "" {
				fl.value = value
			}
			found = true
		case "submit", "image", "button":
			// 押したボタンとして送信対象にする
			fl.kind = "hidden"
			fl.value = value
			found = true
		default:
			fl.value = value
			found = true
		}
	}
	if !found {
		f.fields = append(f.fields, formField{name: name, value: value, kind: "hidden"})
	}
}

// uncheck はチェックボックスの選択を外す。
func (f *htmlForm) uncheck(name string) {
	for i := range f.fields {
		if f.fields[i].name == name {
			f.fields[i].checked = false
		}
	}
}

// values は送信する値を返す。未選択のチェックボックスとラジオは送らない。
func (f *htmlForm) values() url.Values {
	v := url.Values{}
	for _, fl := range f.fields {
		if fl.name == "" {
			continue
		}
		if (fl.kind == "checkbox" || fl.kind == "radio") && !fl.checked {
			continue
		}
		if fl.kind == "submit" || fl.kind == "image" || fl.kind == "button" {
			continue
		}
		v.Add(fl.name, fl.value)
	}
	return v
}

func attrs(z *html.Tokenizer, hasAttr bool) map[string]string {
	out := map[string]string{}
	for hasAttr {
		key, val, more := z.TagAttr()
		out[strings.ToLower(string(key))] = string(val)
		hasAttr = more
	}
	return out
}

// parseForms は応答HTMLからフォームを取り出す。actionはbaseを基準に絶対URLへ解決する。
func parseForms(body []byte, base *url.URL) []*htmlForm {
	var forms []*htmlForm
	var cur *htmlForm
	var selectName string
	var selectValue, firstOption string
	var selectChosen, inOption, inTextarea bool
	var optionValue string
	var optionHasValue bool
	var textareaName string
	var textBuf strings.Builder

	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return forms

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := z.TagName()
			tag := string(tn)
			a := attrs(z, hasAttr)
			switch tag {
			case "form":
				action := a["action"]
				resolved := base.String()
				if action != "" {
					if ref, err := url.Parse(action); err == nil {
						resolved = base.ResolveReference(ref).String()
					}
				}
				method := strings.ToUpper(a["method"])
				if method == "" {
					method = "GET"
				}
				cur = &htmlForm{action: resolved, method: method}
				forms = append(forms, cur)
			case "input":
				if cur == nil {
					continue
				}
				kind := strings.ToLower(a["type"])
				if kind == "" {
					kind = "text"
				}
				_, checked := a["checked"]
				value, hasValue := a["value"]
				if !hasValue && (kind == "checkbox" || kind == "radio") {
					value = "on"
				}
				cur.fields = append(cur.fields, formField{name: a["name"], value: value, kind: kind, checked: checked})
			case "select":
				selectName = a["name"]
				selectValue, firstOption = "", ""
				selectChosen = false
			case "option":
				if selectName == "" {
					continue
				}
				optionValue, optionHasValue = a["value"]
				_, selected := a["selected"]
				inOption = !optionHasValue
				textBuf.Reset()
				if optionHasValue {
					if firstOption == "" {
						firstOption = optionValue
					}
					if selected && !selectChosen {
						selectValue = optionValue
						selectChosen = true
					}
				} else if selected {
					selectChosen = true
				}
			case "textarea":
				textareaName = a["name"]
				inTextarea = true
				textBuf.Reset()
			}

		case html.TextToken:
			if inOption || inTextarea {
				textBuf.Write(z.Text())
			}

		case html.EndTagToken:
			tn, _ := z.TagName()
			switch string(tn) {
			case "form":
				cur = nil
			case "option":
				if inOption {
					text := strings.TrimSpace(textBuf.String())
					if firstOption == "" {
						firstOption = text
					}
					if selectChosen && selectValue == "" {
						selectValue = text
					}
					inOption = false
				}
			case "select":
				if cur != nil && selectName != "" {
					v := selectValue
					if !selectChosen {
						v = firstOption
					}
					cur.fields = append(cur.fields, formField{name: selectName, value: v, kind: "select"})
				}
				selectName = ""
			case "textarea":
				if cur != nil && inTextarea {
					cur.fields = append(cur.fields, formField{name: textareaName, value: textBuf.String(), kind: "textarea"})
				}
				inTextarea = false
			}
		}
	}
}

// pageText は応答HTMLの表示テキストを返す。scriptとstyleの中身は含めない。
func pageText(body []byte) string {
	var b strings.Builder
	skip := 0
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			tn, _ := z.TagName()
			if t := string(tn); t == "script" || t == "style" {
				skip++
			}
		case html.EndTagToken:
			tn, _ := z.TagName()
			if t := string(tn); (t == "script" || t == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}
