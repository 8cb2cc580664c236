package edgeserve

// The JS harness evaluated into every engine instance before the script
// loads. It provides the subset of the platform surface local scripts rely
// on: Headers/Request/Response, URL, console, fetch, timers, WebSocketPair,
// the Cache/KV/durable-object bindings, and the dispatch entry points the
// Go side drives. Structured data crosses the Go/JS boundary as JSON;
// bodies cross as base64.

const encodingJS = `
(function() {
var B64 = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';

globalThis.btoa = globalThis.btoa || function(bin) {
	var out = '', i = 0;
	for (; i + 2 < bin.length; i += 3) {
		var n = (bin.charCodeAt(i) << 16) | (bin.charCodeAt(i + 1) << 8) | bin.charCodeAt(i + 2);
		out += B64[(n >>> 18) & 63] + B64[(n >>> 12) & 63] + B64[(n >>> 6) & 63] + B64[n & 63];
	}
	var rem = bin.length - i;
	if (rem === 1) {
		var n1 = bin.charCodeAt(i) << 16;
		out += B64[(n1 >>> 18) & 63] + B64[(n1 >>> 12) & 63] + '==';
	} else if (rem === 2) {
		var n2 = (bin.charCodeAt(i) << 16) | (bin.charCodeAt(i + 1) << 8);
		out += B64[(n2 >>> 18) & 63] + B64[(n2 >>> 12) & 63] + B64[(n2 >>> 6) & 63] + '=';
	}
	return out;
};

globalThis.atob = globalThis.atob || function(b64) {
	b64 = String(b64).replace(/=+$/, '');
	var out = '', buf = 0, bits = 0;
	for (var i = 0; i < b64.length; i++) {
		var v = B64.indexOf(b64[i]);
		if (v === -1) continue;
		buf = (buf << 6) | v;
		bits += 6;
		if (bits >= 8) {
			bits -= 8;
			out += String.fromCharCode((buf >>> bits) & 255);
		}
	}
	return out;
};

globalThis.__utf8_to_bin = function(s) {
	return unescape(encodeURIComponent(s));
};
globalThis.__bin_to_utf8 = function(b) {
	return decodeURIComponent(escape(b));
};
globalThis.__bin_to_bytes = function(b) {
	var u8 = new Uint8Array(b.length);
	for (var i = 0; i < b.length; i++) u8[i] = b.charCodeAt(i) & 255;
	return u8;
};
globalThis.__bytes_to_bin = function(view) {
	var u8 = view instanceof ArrayBuffer ? new Uint8Array(view)
		: new Uint8Array(view.buffer, view.byteOffset, view.byteLength);
	var parts = [];
	for (var i = 0; i < u8.length; i += 8192) {
		parts.push(String.fromCharCode.apply(null, u8.subarray(i, Math.min(i + 8192, u8.length))));
	}
	return parts.join('');
};

function TextEncoder() {}
TextEncoder.prototype.encode = function(s) {
	return __bin_to_bytes(__utf8_to_bin(String(s === undefined ? '' : s)));
};
function TextDecoder() {}
TextDecoder.prototype.decode = function(view) {
	if (view === undefined || view === null) return '';
	return __bin_to_utf8(__bytes_to_bin(view));
};
globalThis.TextEncoder = globalThis.TextEncoder || TextEncoder;
globalThis.TextDecoder = globalThis.TextDecoder || TextDecoder;
})();
`

const webCoreJS = `
(function() {

class Headers {
	constructor(init) {
		this._map = {};
		if (init instanceof Headers) {
			var self = this;
			init.forEach(function(v, k) { self._map[k] = v; });
		} else if (Array.isArray(init)) {
			for (var i = 0; i < init.length; i++) this.append(init[i][0], init[i][1]);
		} else if (init && typeof init === 'object') {
			for (var k in init) if (Object.prototype.hasOwnProperty.call(init, k)) this.set(k, init[k]);
		}
	}
	get(name) {
		var v = this._map[String(name).toLowerCase()];
		return v === undefined ? null : v;
	}
	set(name, value) { this._map[String(name).toLowerCase()] = String(value); }
	append(name, value) {
		var key = String(name).toLowerCase();
		var cur = this._map[key];
		this._map[key] = cur === undefined ? String(value) : cur + ', ' + String(value);
	}
	has(name) { return this._map[String(name).toLowerCase()] !== undefined; }
	delete(name) { delete this._map[String(name).toLowerCase()]; }
	forEach(fn) {
		for (var k in this._map) if (Object.prototype.hasOwnProperty.call(this._map, k)) fn(this._map[k], k, this);
	}
	entries() {
		var out = [];
		this.forEach(function(v, k) { out.push([k, v]); });
		return out[Symbol.iterator]();
	}
	__plain() {
		var out = {};
		this.forEach(function(v, k) { out[k] = v; });
		return out;
	}
}

class URLSearchParams {
	constructor(init) {
		this._pairs = [];
		if (typeof init === 'string') {
			var qs = init.charAt(0) === '?' ? init.slice(1) : init;
			if (qs.length > 0) {
				var parts = qs.split('&');
				for (var i = 0; i < parts.length; i++) {
					var eq = parts[i].indexOf('=');
					if (eq === -1) {
						this._pairs.push([decodeURIComponent(parts[i]), '']);
					} else {
						this._pairs.push([
							decodeURIComponent(parts[i].slice(0, eq).replace(/\+/g, ' ')),
							decodeURIComponent(parts[i].slice(eq + 1).replace(/\+/g, ' '))
						]);
					}
				}
			}
		} else if (init && typeof init === 'object') {
			for (var k in init) if (Object.prototype.hasOwnProperty.call(init, k)) this._pairs.push([k, String(init[k])]);
		}
	}
	get(name) {
		for (var i = 0; i < this._pairs.length; i++) if (this._pairs[i][0] === name) return this._pairs[i][1];
		return null;
	}
	getAll(name) {
		var out = [];
		for (var i = 0; i < this._pairs.length; i++) if (this._pairs[i][0] === name) out.push(this._pairs[i][1]);
		return out;
	}
	has(name) { return this.get(name) !== null; }
	set(name, value) {
		this.delete(name);
		this._pairs.push([name, String(value)]);
	}
	append(name, value) { this._pairs.push([name, String(value)]); }
	delete(name) {
		this._pairs = this._pairs.filter(function(p) { return p[0] !== name; });
	}
	forEach(fn) {
		for (var i = 0; i < this._pairs.length; i++) fn(this._pairs[i][1], this._pairs[i][0], this);
	}
	toString() {
		return this._pairs.map(function(p) {
			return encodeURIComponent(p[0]) + '=' + encodeURIComponent(p[1]);
		}).join('&');
	}
}

class URL {
	constructor(href, base) {
		var parsed = JSON.parse(__host_parse_url(String(href), base === undefined ? '' : String(base)));
		this.href = parsed.href;
		this.protocol = parsed.protocol;
		this.host = parsed.host;
		this.hostname = parsed.hostname;
		this.port = parsed.port;
		this.pathname = parsed.pathname;
		this.search = parsed.search;
		this.hash = parsed.hash;
		this.origin = parsed.origin;
		this.searchParams = new URLSearchParams(this.search);
	}
	toString() { return this.href; }
}

class Request {
	constructor(input, init) {
		init = init || {};
		if (input instanceof Request) {
			this.url = input.url;
			this.method = init.method || input.method;
			this.headers = new Headers(init.headers || input.headers);
			this._bodyB64 = init.body !== undefined ? __body_to_b64(init.body) : input._bodyB64;
		} else {
			this.url = String(input);
			this.method = init.method || 'GET';
			this.headers = new Headers(init.headers);
			this._bodyB64 = init.body !== undefined ? __body_to_b64(init.body) : '';
		}
		this.method = this.method.toUpperCase();
		this.cf = init.cf || (input instanceof Request ? input.cf : undefined);
	}
	text() { return Promise.resolve(__bin_to_utf8(atob(this._bodyB64))); }
	json() {
		return this.text().then(function(t) { return JSON.parse(t); });
	}
	arrayBuffer() {
		return Promise.resolve(__bin_to_bytes(atob(this._bodyB64)).buffer);
	}
	clone() { return new Request(this); }
}

class Response {
	constructor(body, init) {
		init = init || {};
		this.status = init.status === undefined ? 200 : Number(init.status);
		this.statusText = init.statusText === undefined ? '' : String(init.statusText);
		this.headers = new Headers(init.headers);
		this._bodyB64 = body === undefined || body === null ? '' : __body_to_b64(body);
		this.webSocket = init.webSocket || null;
		this.ok = this.status >= 200 && this.status < 300;
	}
	text() { return Promise.resolve(__bin_to_utf8(atob(this._bodyB64))); }
	json() {
		return this.text().then(function(t) { return JSON.parse(t); });
	}
	arrayBuffer() {
		return Promise.resolve(__bin_to_bytes(atob(this._bodyB64)).buffer);
	}
	clone() {
		var r = new Response(null, {
			status: this.status, statusText: this.statusText,
			headers: this.headers, webSocket: this.webSocket
		});
		r._bodyB64 = this._bodyB64;
		return r;
	}
	static json(value, init) {
		init = init || {};
		var r = new Response(JSON.stringify(value), init);
		if (!r.headers.has('content-type')) r.headers.set('content-type', 'application/json');
		return r;
	}
}

globalThis.__body_to_b64 = function(body) {
	if (body === undefined || body === null) return '';
	if (typeof body === 'string') return btoa(__utf8_to_bin(body));
	if (body instanceof ArrayBuffer || ArrayBuffer.isView(body)) return btoa(__bytes_to_bin(body));
	if (body instanceof URLSearchParams) return btoa(__utf8_to_bin(body.toString()));
	return btoa(__utf8_to_bin(String(body)));
};

globalThis.Headers = Headers;
globalThis.URLSearchParams = URLSearchParams;
globalThis.URL = URL;
globalThis.Request = Request;
globalThis.Response = Response;

})();
`

const consoleJS = `
(function() {
var levels = ['log', 'info', 'warn', 'error', 'debug'];
var console = {};
for (var i = 0; i < levels.length; i++) {
	(function(level) {
		console[level] = function() {
			var parts = [];
			for (var j = 0; j < arguments.length; j++) {
				var a = arguments[j];
				if (typeof a === 'object' && a !== null) {
					try { parts.push(JSON.stringify(a)); } catch (e) { parts.push(String(a)); }
				} else {
					parts.push(String(a));
				}
			}
			__host_log(String(globalThis.__requestID || 0), level, parts.join(' '));
		};
	})(levels[i]);
}
globalThis.console = console;
globalThis.queueMicrotask = globalThis.queueMicrotask || function(fn) {
	Promise.resolve().then(fn);
};
})();
`

const timersJS = `
(function() {
globalThis.__timer_callbacks = {};

globalThis.setTimeout = function(fn, delay) {
	var id = Number(__host_timer_register(String(Math.max(0, Number(delay) || 0)), '0'));
	globalThis.__timer_callbacks[id] = fn;
	return id;
};
globalThis.setInterval = function(fn, delay) {
	var id = Number(__host_timer_register(String(Math.max(0, Number(delay) || 0)), '1'));
	globalThis.__timer_callbacks[id] = fn;
	return id;
};
globalThis.clearTimeout = globalThis.clearInterval = function(id) {
	__host_timer_clear(String(id));
	delete globalThis.__timer_callbacks[id];
};
globalThis.__fire_timer = function(id) {
	var fn = globalThis.__timer_callbacks[id];
	if (typeof fn === 'function') {
		try { fn(); } catch (e) {
			__host_log(String(globalThis.__requestID || 0), 'error', 'timer callback: ' + e);
		}
	}
};
})();
`

const fetchJS = `
globalThis.fetch = function(input, init) {
	try {
		var req = input instanceof Request ? new Request(input, init) : new Request(String(input), init);
		var wire = JSON.stringify({
			method: req.method,
			url: req.url,
			headers: req.headers.__plain(),
			bodyB64: req._bodyB64
		});
		var raw = __host_fetch(String(globalThis.__requestID || 0), wire);
		var parsed = JSON.parse(raw);
		var resp = new Response(null, {
			status: parsed.status,
			statusText: parsed.statusText,
			headers: parsed.headers
		});
		resp._bodyB64 = parsed.bodyB64 || '';
		resp.url = parsed.finalURL;
		return Promise.resolve(resp);
	} catch (e) {
		return Promise.reject(e);
	}
};
`

// webSocketJS defines the WebSocket and WebSocketPair classes. The server
// half of a pair is HTTP-bridged: its sends and closes go through host
// functions to the real upgraded connection.
const webSocketJS = `
(function() {

class WebSocket {
	constructor(url) {
		this._listeners = {};
		this._readyState = 0;
		this._url = url || '';
		this._peer = null;
		this._isHTTPBridged = false;
		this.binaryType = 'arraybuffer';
	}

	accept() {
		this._readyState = 1;
	}

	send(data) {
		if (this._readyState !== 1) {
			throw new Error('WebSocket is not open');
		}
		if (!this._isHTTPBridged && this._peer && this._peer._readyState < 2) {
			var peer = this._peer;
			var evt;
			if (typeof data === 'string') {
				evt = { data: data };
			} else if (data instanceof ArrayBuffer || ArrayBuffer.isView(data)) {
				evt = { data: __bin_to_bytes(__bytes_to_bin(data)).buffer };
			} else {
				evt = { data: String(data) };
			}
			queueMicrotask(function() { peer._dispatch('message', evt); });
			return;
		}
		var reqID = String(globalThis.__requestID);
		if (typeof data === 'string') {
			__host_ws_send(reqID, data, '0');
		} else if (data instanceof ArrayBuffer || ArrayBuffer.isView(data)) {
			__host_ws_send(reqID, btoa(__bytes_to_bin(data)), '1');
		} else {
			__host_ws_send(reqID, String(data), '0');
		}
	}

	close(code, reason) {
		if (this._readyState >= 2) return;
		this._readyState = 2;
		if (!this._isHTTPBridged && this._peer && this._peer._readyState < 2) {
			var peer = this._peer;
			var closeCode = code || 1000;
			var closeReason = reason || '';
			queueMicrotask(function() {
				peer._readyState = 3;
				peer._dispatch('close', { code: closeCode, reason: closeReason, wasClean: true });
			});
		}
		if (this._isHTTPBridged) {
			__host_ws_close(String(globalThis.__requestID), String(code || 1000), reason || '');
		}
		this._readyState = 3;
		this._dispatch('close', { code: code || 1000, reason: reason || '', wasClean: true });
	}

	addEventListener(type, handler) {
		if (!this._listeners[type]) this._listeners[type] = [];
		this._listeners[type].push(handler);
	}

	removeEventListener(type, handler) {
		var list = this._listeners[type];
		if (!list) return;
		this._listeners[type] = list.filter(function(h) { return h !== handler; });
	}

	_dispatch(type, event) {
		var prop = 'on' + type;
		if (typeof this[prop] === 'function') {
			this[prop](event);
		}
		var list = this._listeners[type] || [];
		for (var i = 0; i < list.length; i++) {
			list[i](event);
		}
	}

	get readyState() { return this._readyState; }
	get url() { return this._url; }
}

WebSocket.CONNECTING = 0;
WebSocket.OPEN = 1;
WebSocket.CLOSING = 2;
WebSocket.CLOSED = 3;

class WebSocketPair {
	constructor() {
		var ws0 = new WebSocket();
		var ws1 = new WebSocket();
		ws0._peer = ws1;
		ws1._peer = ws0;
		this[0] = ws0;
		this[1] = ws1;
	}
}

WebSocketPair.prototype[Symbol.iterator] = function() {
	return [this[0], this[1]][Symbol.iterator]();
};

globalThis.WebSocket = WebSocket;
globalThis.WebSocketPair = WebSocketPair;

globalThis.__ws_servers = {};

globalThis.__ws_dispatch_message = function(reqID, data, isBinary) {
	var ws = globalThis.__ws_servers[reqID];
	if (!ws) return;
	if (isBinary === '1') {
		ws._dispatch('message', { data: __bin_to_bytes(atob(data)).buffer });
	} else {
		ws._dispatch('message', { data: data });
	}
};

globalThis.__ws_dispatch_close = function(reqID, code, reason) {
	var ws = globalThis.__ws_servers[reqID];
	if (!ws) return;
	delete globalThis.__ws_servers[reqID];
	ws._readyState = 3;
	ws._dispatch('close', { code: Number(code) || 1000, reason: reason || '', wasClean: true });
};

})();
`

const cacheJS = `
(function() {

class Cache {
	constructor(name) {
		this._name = name;
	}

	match(request) {
		var url = typeof request === 'string' ? request : (request && request.url);
		if (!url) return Promise.resolve(undefined);
		var raw = __host_cache_match(String(globalThis.__requestID), this._name, url);
		if (!raw || raw === 'null') return Promise.resolve(undefined);
		var parsed = JSON.parse(raw);
		var resp = new Response(null, { status: parsed.status, headers: parsed.headers });
		resp._bodyB64 = parsed.bodyB64 || '';
		return Promise.resolve(resp);
	}

	put(request, response) {
		var url = typeof request === 'string' ? request : (request && request.url);
		if (!url) return Promise.reject(new Error('Cache.put requires a request'));
		if (!response) return Promise.reject(new Error('Cache.put requires a response'));
		var ttl = '-1';
		var cc = response.headers.get('Cache-Control') || '';
		var m = cc.match(/max-age=(\d+)/);
		if (m) ttl = m[1];
		__host_cache_put(
			String(globalThis.__requestID), this._name, url,
			String(response.status), JSON.stringify(response.headers.__plain()),
			response._bodyB64, ttl
		);
		return Promise.resolve(undefined);
	}

	delete(request) {
		var url = typeof request === 'string' ? request : (request && request.url);
		if (!url) return Promise.resolve(false);
		var r = __host_cache_delete(String(globalThis.__requestID), this._name, url);
		return Promise.resolve(r === 'true');
	}
}

class CacheStorage {
	constructor() {
		this._caches = {};
		this.default = new Cache('default');
	}
	open(name) {
		if (!this._caches[name]) this._caches[name] = new Cache(name);
		return Promise.resolve(this._caches[name]);
	}
}

globalThis.caches = new CacheStorage();

})();
`

const bindingsJS = `
(function() {

globalThis.__make_kv = function(binding) {
	return {
		get: function(key, opts) {
			try {
				var type = 'text';
				if (typeof opts === 'string') type = opts;
				else if (opts && opts.type) type = String(opts.type);
				var raw = __host_kv_get(String(globalThis.__requestID), binding, String(key));
				var parsed = JSON.parse(raw);
				if (!parsed.found) return Promise.resolve(null);
				if (type === 'json') return Promise.resolve(JSON.parse(parsed.value));
				if (type === 'arrayBuffer') return Promise.resolve(__bin_to_bytes(__utf8_to_bin(parsed.value)).buffer);
				return Promise.resolve(parsed.value);
			} catch (e) {
				return Promise.reject(e);
			}
		},
		put: function(key, value, opts) {
			try {
				var ttl = opts && opts.expirationTtl ? String(opts.expirationTtl) : '';
				var body = typeof value === 'string' ? value : __bin_to_utf8(atob(__body_to_b64(value)));
				__host_kv_put(String(globalThis.__requestID), binding, String(key), body, ttl);
				return Promise.resolve(undefined);
			} catch (e) {
				return Promise.reject(e);
			}
		},
		delete: function(key) {
			try {
				__host_kv_delete(String(globalThis.__requestID), binding, String(key));
				return Promise.resolve(undefined);
			} catch (e) {
				return Promise.reject(e);
			}
		},
		list: function(opts) {
			try {
				opts = opts || {};
				var raw = __host_kv_list(String(globalThis.__requestID), binding,
					opts.prefix || '', String(opts.limit || 0), opts.cursor || '');
				var parsed = JSON.parse(raw);
				return Promise.resolve({
					keys: parsed.keys || [],
					list_complete: !!parsed.listComplete,
					cursor: parsed.cursor || ''
				});
			} catch (e) {
				return Promise.reject(e);
			}
		}
	};
};

globalThis.__do_instances = {};

globalThis.__make_do_state = function(binding, idStr) {
	var reqID = function() { return String(globalThis.__requestID); };
	return {
		id: { toString: function() { return idStr; } },
		storage: {
			get: function(key) {
				try {
					var raw = __host_do_storage_get(reqID(), binding, idStr, String(key));
					var parsed = JSON.parse(raw);
					return Promise.resolve(parsed.found ? JSON.parse(parsed.value) : undefined);
				} catch (e) { return Promise.reject(e); }
			},
			put: function(key, value) {
				try {
					__host_do_storage_put(reqID(), binding, idStr, String(key), JSON.stringify(value));
					return Promise.resolve(undefined);
				} catch (e) { return Promise.reject(e); }
			},
			delete: function(key) {
				try {
					var r = __host_do_storage_delete(reqID(), binding, idStr, String(key));
					return Promise.resolve(r === 'true');
				} catch (e) { return Promise.reject(e); }
			},
			deleteAll: function() {
				try {
					__host_do_storage_delete_all(reqID(), binding, idStr);
					return Promise.resolve(undefined);
				} catch (e) { return Promise.reject(e); }
			},
			list: function(opts) {
				try {
					opts = opts || {};
					var raw = __host_do_storage_list(reqID(), binding, idStr,
						opts.prefix || '', String(opts.limit || 0));
					var pairs = JSON.parse(raw);
					var map = new Map();
					for (var i = 0; i < pairs.length; i++) {
						map.set(pairs[i][0], JSON.parse(pairs[i][1]));
					}
					return Promise.resolve(map);
				} catch (e) { return Promise.reject(e); }
			}
		}
	};
};

globalThis.__make_do_ns = function(binding) {
	function makeId(str) {
		return { toString: function() { return str; } };
	}
	return {
		idFromName: function(name) {
			return makeId(__host_do_id_from_name(String(globalThis.__requestID), binding, String(name)));
		},
		newUniqueId: function() {
			return makeId(__host_do_unique_id());
		},
		idFromString: function(s) { return makeId(String(s)); },
		get: function(id) {
			var idStr = String(id);
			return {
				id: makeId(idStr),
				fetch: function(input, init) {
					try {
						var resolved = JSON.parse(__host_do_get(String(globalThis.__requestID), binding, idStr));
						var inst = globalThis.__do_instances[resolved.key];
						if (!inst) {
							var cls = (globalThis.__worker_exports || {})[resolved.className];
							if (typeof cls !== 'function') {
								throw new Error('durable object class ' + resolved.className + ' is not exported');
							}
							inst = new cls(__make_do_state(binding, idStr), globalThis.__edge_env);
							globalThis.__do_instances[resolved.key] = inst;
						}
						var req = input instanceof Request ? new Request(input, init) : new Request(String(input), init);
						return Promise.resolve(inst.fetch(req));
					} catch (e) {
						return Promise.reject(e);
					}
				}
			};
		}
	};
};

globalThis.__build_env = function(descJSON) {
	var desc = JSON.parse(descJSON);
	var env = {};
	var k;
	for (k in desc.vars) if (Object.prototype.hasOwnProperty.call(desc.vars, k)) env[k] = desc.vars[k];
	for (k in desc.secrets) if (Object.prototype.hasOwnProperty.call(desc.secrets, k)) env[k] = desc.secrets[k];
	for (var i = 0; i < (desc.kv || []).length; i++) {
		env[desc.kv[i]] = __make_kv(desc.kv[i]);
	}
	for (var j = 0; j < (desc.durable || []).length; j++) {
		env[desc.durable[j]] = __make_do_ns(desc.durable[j]);
	}
	globalThis.__edge_env = env;
};

})();
`

const dispatchJS = `
(function() {

globalThis.__fetch_listeners = [];
globalThis.addEventListener = function(type, fn) {
	if (type === 'fetch') globalThis.__fetch_listeners.push(fn);
};

globalThis.__request_from_wire = function(raw, meta) {
	var req = new Request(raw.url, { method: raw.method, headers: raw.headers });
	req._bodyB64 = raw.bodyB64 || '';
	req.cf = meta;
	return req;
};

globalThis.__serialize_response = function(resp) {
	if (!(resp instanceof Response)) {
		throw new Error('handler did not return a Response');
	}
	if (resp.webSocket) {
		globalThis.__ws_pending_server = resp.webSocket;
	} else {
		delete globalThis.__ws_pending_server;
	}
	return JSON.stringify({
		status: resp.status,
		statusText: resp.statusText,
		headers: resp.headers.__plain(),
		bodyB64: resp._bodyB64,
		hasWebSocket: !!resp.webSocket
	});
};

globalThis.__edge_dispatch = function(reqJSON, metaJSON) {
	delete globalThis.__dispatch_state;
	delete globalThis.__dispatch_result;
	delete globalThis.__dispatch_error;
	globalThis.__wait_until = [];
	var p;
	try {
		var raw = JSON.parse(reqJSON);
		var meta = JSON.parse(metaJSON);
		var req = __request_from_wire(raw, meta);
		var ctx = {
			waitUntil: function(pr) { globalThis.__wait_until.push(pr); },
			passThroughOnException: function() {}
		};
		var mod = globalThis.__worker_module__;
		if (mod && typeof mod.fetch === 'function') {
			p = mod.fetch(req, globalThis.__edge_env, ctx);
		} else if (globalThis.__fetch_listeners.length > 0) {
			var responded = null;
			var event = {
				type: 'fetch',
				request: req,
				respondWith: function(pr) { responded = pr; },
				waitUntil: ctx.waitUntil,
				passThroughOnException: function() {}
			};
			globalThis.__fetch_listeners[0](event);
			if (responded === null) throw new Error('fetch listener did not call respondWith');
			p = responded;
		} else {
			throw new Error('script exports no fetch handler');
		}
	} catch (e) {
		globalThis.__dispatch_state = 'rejected';
		globalThis.__dispatch_error = String(e && e.stack ? e.stack : e);
		return;
	}
	Promise.resolve(p).then(function(resp) {
		try {
			globalThis.__dispatch_result = __serialize_response(resp);
			globalThis.__dispatch_state = 'fulfilled';
		} catch (e) {
			globalThis.__dispatch_state = 'rejected';
			globalThis.__dispatch_error = String(e);
		}
	}, function(e) {
		globalThis.__dispatch_state = 'rejected';
		globalThis.__dispatch_error = String(e && e.stack ? e.stack : e);
	});
};

globalThis.__edge_capabilities = function() {
	var mod = globalThis.__worker_module__ || {};
	var handlers = [];
	for (var k in mod) {
		if (typeof mod[k] === 'function') handlers.push(k);
	}
	if (handlers.length === 0 && globalThis.__fetch_listeners.length > 0) {
		handlers.push('fetch');
	}
	var classes = [];
	var ex = globalThis.__worker_exports || {};
	for (var c in ex) {
		var v = ex[c];
		if (typeof v === 'function' && v.prototype && typeof v.prototype.fetch === 'function') {
			classes.push(c);
		}
	}
	return JSON.stringify({ handlers: handlers, classes: classes });
};

})();
`
