package js

// OBSTRUCTION_PRESENT reports whether a cookie/consent banner or a
// full-viewport overlay is currently drawn over the page.
var OBSTRUCTION_PRESENT string = `
() => {
    var visible = function (el) {
        if (!el) return false;
        var style = window.getComputedStyle(el);
        if (style.display === "none" || style.visibility === "hidden" || style.opacity === "0") return false;
        return el.offsetWidth > 0 && el.offsetHeight > 0;
    };

    var selectors = [".cookie-legal-banner", ".cookie-overlay", "[class*='cookie-banner']", "[id*='cookie-banner']", "[class*='consent']"];
    for (var i = 0; i < selectors.length; i++) {
        var nodes = document.querySelectorAll(selectors[i]);
        for (var j = 0; j < nodes.length; j++) {
            if (visible(nodes[j])) return true;
        }
    }

    var cx = window.innerWidth / 2, cy = window.innerHeight / 2;
    var top = document.elementFromPoint(cx, cy);
    while (top && top !== document.body) {
        var s = window.getComputedStyle(top);
        if (s.position === "fixed" && top.offsetWidth >= window.innerWidth * 0.9 && top.offsetHeight >= window.innerHeight * 0.9) {
            return true;
        }
        top = top.parentElement;
    }
    return false;
}
`

// HIDE_OBSTRUCTIONS forcibly removes consent banners and fixed overlays from
// the page structure. Returns the number of elements hidden.
var HIDE_OBSTRUCTIONS string = `
() => {
    var hidden = 0;
    var hide = function (el) {
        el.style.setProperty("display", "none", "important");
        el.style.setProperty("pointer-events", "none", "important");
        hidden++;
    };

    var selectors = [".cookie-legal-banner", ".cookie-overlay", "[class*='cookie-banner']", "[id*='cookie-banner']", "[class*='consent']"];
    selectors.forEach(function (sel) {
        document.querySelectorAll(sel).forEach(hide);
    });

    Array.prototype.slice.call(document.querySelectorAll("body *")).forEach(function (el) {
        var s = window.getComputedStyle(el);
        if (s.position !== "fixed" || s.display === "none") return;
        if (el.offsetWidth >= window.innerWidth * 0.9 && el.offsetHeight >= window.innerHeight * 0.9) {
            hide(el);
        }
    });

    document.body.style.overflow = "auto";
    return hidden;
}
`

// SELECT_ALL_RESULTS sets the results-per-page select to "All", or to its
// last option when there is no "All". Returns the chosen option text or an
// empty string when no select was found.
var SELECT_ALL_RESULTS string = `
() => {
    var sel = document.querySelector("select[class*='results-per-page'], select[name*='results']");
    if (!sel || sel.options.length === 0) return "";

    var idx = sel.options.length - 1;
    for (var i = 0; i < sel.options.length; i++) {
        if (sel.options[i].text.trim() === "All") {
            idx = i;
            break;
        }
    }
    sel.selectedIndex = idx;
    sel.dispatchEvent(new Event("change", { bubbles: true }));
    return sel.options[idx].text.trim();
}
`

// JS_CLICK clicks the element directly, bypassing anything drawn on top of it.
var JS_CLICK string = `() => { this.click(); return true }`

var IS_TOP_VISIBLE string = `
(xpath) => {
    element = document.evaluate(xpath, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;

    if (!element) return false;
    if (element.offsetWidth === 0 || element.offsetHeight === 0) return false;
    var rects = element.getClientRects(),
        on_top = function (r) {
            var x = (r.left + r.right) / 2, y = (r.top + r.bottom) / 2;
            var hit = document.elementFromPoint(x, y);
            return hit === element || element.contains(hit);
        };
    for (var i = 0, l = rects.length; i < l; i++) {
        var r = rects[i]
        if (on_top(r)) return true;
    }
    return false;
}
`
