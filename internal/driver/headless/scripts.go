package headless

import (
	"encoding/json"
	"fmt"
	"strings"
)

// jsCall renders an immediately invoked function with JSON-encoded args.
func jsCall(fn string, args ...any) string {
	encoded := make([]string, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			b = []byte("null")
		}
		encoded = append(encoded, string(b))
	}
	return fmt.Sprintf("(%s)(%s)", fn, strings.Join(encoded, ", "))
}

const selectOptionJS = `function(sel, candidates) {
	const el = document.querySelector(sel);
	if (!el) return false;
	const want = candidates.map(c => String(c).trim().toLowerCase());
	const opt = Array.from(el.options).find(o =>
		want.includes(o.value.trim().toLowerCase()) || want.includes(o.text.trim().toLowerCase()));
	if (!opt) return false;
	el.value = opt.value;
	el.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
}`

const clickJS = `function(sel) {
	const el = document.querySelector(sel);
	if (!el) return false;
	el.click();
	return true;
}`

const pageStateJS = `function(results, pager) {
	const table = document.querySelector(results);
	const body = document.body ? document.body.innerText : '';
	let current = '';
	const link = document.querySelector(pager);
	if (link) {
		const row = link.closest('tr');
		const span = row && row.querySelector('span');
		if (span) current = span.innerText.trim();
	}
	return {
		has_results: !!table,
		no_record: /No Record Found/i.test(body),
		content: table ? table.innerText : '',
		current: current,
	};
}`

const pagerJS = `function(pager) {
	const links = Array.from(document.querySelectorAll(pager));
	let current = '';
	if (links.length) {
		const row = links[0].closest('tr');
		const span = row && row.querySelector('span');
		if (span) current = span.innerText.trim();
	}
	return {
		current: current,
		links: links.map(a => {
			const m = (a.getAttribute('href') || '').match(/Page\$(\w+)/);
			return {text: a.innerText.trim(), arg: m ? m[1] : ''};
		}),
	};
}`

const clickPagerJS = `function(pager, arg) {
	const link = Array.from(document.querySelectorAll(pager)).find(a =>
		((a.getAttribute('href') || '').match(/Page\$(\w+)/) || [])[1] === arg);
	if (!link) return false;
	link.click();
	return true;
}`

const rowsJS = `function(results, pager) {
	const table = document.querySelector(results);
	if (!table) return {headers: [], rows: []};
	const rows = Array.from(table.querySelectorAll(':scope > tbody > tr, :scope > tr'));
	if (!rows.length) return {headers: [], rows: []};
	const headers = Array.from(rows[0].querySelectorAll('th, td')).map(c => c.innerText.trim());
	const body = rows.slice(1)
		.filter(r => !r.querySelector(pager))
		.map(r => Array.from(r.querySelectorAll(':scope > td')).map(c => c.innerText.trim()))
		.filter(cells => cells.length >= 2);
	return {headers: headers, rows: body};
}`

const clickDetailJS = `function(results, text, index) {
	const table = document.querySelector(results);
	if (!table) return false;
	const links = Array.from(table.querySelectorAll('a')).filter(a => a.innerText.includes(text));
	if (index >= links.length) return false;
	links[index].click();
	return true;
}`

const detailJS = `function(fields, memo, judgement, history) {
	const out = {};
	for (const [name, sel] of Object.entries(fields)) {
		const el = document.querySelector(sel);
		if (el) out[name] = el.innerText.trim();
	}
	const href = sel => {
		const a = document.querySelector(sel);
		return a ? (a.href || '') : '';
	};
	out.memo_file = href(memo);
	out.judgement_file = href(judgement);
	const table = document.querySelector(history);
	if (table) {
		out.history = Array.from(table.querySelectorAll('tr')).slice(1)
			.map(r => Array.from(r.querySelectorAll('td')).map(c => c.innerText.trim()))
			.filter(cells => cells.length >= 2)
			.map(cells => cells[0] + '\t' + cells.slice(1).join(' '))
			.join('\n');
	}
	return out;
}`

type pageState struct {
	HasResults bool   `json:"has_results"`
	NoRecord   bool   `json:"no_record"`
	Content    string `json:"content"`
	Current    string `json:"current"`
}

type gridRows struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}
