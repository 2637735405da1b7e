package mgmt

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) indexPage(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
}

func (s *Server) scriptPage(c *gin.Context) {
	c.Data(http.StatusOK, "text/javascript; charset=utf-8", []byte(scriptJS))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Supernode Management</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
body{background:#0a0e17;color:#c9d1d9;font-family:'SF Mono','Fira Code',monospace;font-size:14px;line-height:1.6}
.container{max-width:960px;margin:0 auto;padding:24px 16px}
header{display:flex;align-items:center;justify-content:space-between;padding:16px 0;border-bottom:1px solid #21262d;margin-bottom:32px}
header h1{font-size:20px;font-weight:600;color:#e6edf3}
.uptime{font-size:12px;color:#8b949e;margin-top:4px}
.stats-row{display:grid;grid-template-columns:repeat(4,1fr);gap:16px;margin-bottom:32px}
.stat-card{background:#161b22;border:1px solid #21262d;border-radius:8px;padding:20px;text-align:center}
.stat-card .value{font-size:32px;font-weight:700;color:#e6edf3;display:block}
.stat-card .label{font-size:12px;color:#8b949e;text-transform:uppercase;letter-spacing:0.5px;margin-top:4px}
.section{margin-bottom:32px}
.section h2{font-size:14px;font-weight:600;color:#8b949e;text-transform:uppercase;letter-spacing:0.5px;margin-bottom:12px;padding-bottom:8px;border-bottom:1px solid #21262d}
table{width:100%;border-collapse:collapse;background:#161b22;border:1px solid #21262d;border-radius:8px;overflow:hidden}
th{text-align:left;font-size:11px;font-weight:600;color:#8b949e;text-transform:uppercase;letter-spacing:0.5px;padding:10px 16px;background:#0d1117;border-bottom:1px solid #21262d}
td{padding:10px 16px;border-bottom:1px solid #21262d;font-size:13px}
tr:last-child td{border-bottom:none}
.empty{color:#484f58;font-style:italic;padding:20px;text-align:center}
@media(max-width:640px){.stats-row{grid-template-columns:repeat(2,1fr)}}
</style>
</head>
<body>
<div class="container">

<header>
  <div>
    <h1>Supernode</h1>
    <div class="uptime">Version: <span id="version">&mdash;</span></div>
  </div>
</header>

<div class="stats-row">
  <div class="stat-card"><span class="value" id="n-communities">&mdash;</span><span class="label">Communities</span></div>
  <div class="stat-card"><span class="value" id="n-edges">&mdash;</span><span class="label">Edges</span></div>
  <div class="stat-card"><span class="value" id="n-supernodes">&mdash;</span><span class="label">Supernodes</span></div>
  <div class="stat-card"><span class="value" id="n-fwd">&mdash;</span><span class="label">Forwarded</span></div>
</div>

<div class="section">
  <h2>Communities</h2>
  <table>
    <thead><tr><th>Name</th><th>Subnet</th><th>Federation</th><th>Joinable</th></tr></thead>
    <tbody id="communities-body"><tr><td colspan="4" class="empty">Loading...</td></tr></tbody>
  </table>
</div>

<div class="section">
  <h2>Edges</h2>
  <table>
    <thead><tr><th>Community</th><th>MAC</th><th>Socket</th><th>IP</th><th>Last seen</th></tr></thead>
    <tbody id="edges-body"><tr><td colspan="5" class="empty">Loading...</td></tr></tbody>
  </table>
</div>

<div class="section">
  <h2>Supernodes</h2>
  <table>
    <thead><tr><th>Socket</th><th>Version</th><th>Selection</th><th>Last seen</th></tr></thead>
    <tbody id="supernodes-body"><tr><td colspan="4" class="empty">Loading...</td></tr></tbody>
  </table>
</div>

</div>
<script src="script.js"></script>
</body>
</html>`

const scriptJS = `/* Helpers for the supernode management UI. */

var rpcID = 0;

function rpc(method, params) {
  rpcID++;
  var body = {jsonrpc: '2.0', id: String(rpcID), method: method};
  if (params !== undefined) body.params = params;
  return fetch('/v1', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify(body)
  }).then(function (r) { return r.json(); }).then(function (r) {
    if (r.error) throw new Error(r.error.message);
    return r.result;
  });
}

function cell(text) {
  var td = document.createElement('td');
  td.textContent = (text === undefined || text === null || text === '') ? '—' : String(text);
  return td;
}

function fill(id, rows) {
  var tb = document.getElementById(id);
  tb.innerHTML = '';
  if (!rows.length) {
    var tr = document.createElement('tr');
    var td = cell('none');
    td.className = 'empty';
    td.colSpan = 5;
    tr.appendChild(td);
    tb.appendChild(tr);
    return;
  }
  rows.forEach(function (cols) {
    var tr = document.createElement('tr');
    cols.forEach(function (c) { tr.appendChild(cell(c)); });
    tb.appendChild(tr);
  });
}

function ago(unix) {
  if (!unix) return '';
  var s = Math.max(0, Math.floor(Date.now() / 1000 - unix));
  return s + 's ago';
}

function update() {
  rpc('get_info').then(function (info) {
    document.getElementById('version').textContent = info.version;
  }).catch(function () {});

  rpc('get_communities').then(function (cs) {
    document.getElementById('n-communities').textContent = cs.length;
    fill('communities-body', cs.map(function (c) {
      return [c.community, c.ip4addr, c.is_federation ? 'yes' : 'no', c.joinable ? 'yes' : 'no'];
    }));
  }).catch(function () {});

  rpc('get_edges').then(function (es) {
    document.getElementById('n-edges').textContent = es.length;
    fill('edges-body', es.map(function (e) {
      return [e.community, e.macaddr, e.sockaddr, e.ip4addr, ago(e.last_seen)];
    }));
  }).catch(function () {});

  rpc('get_supernodes').then(function (sns) {
    document.getElementById('n-supernodes').textContent = sns.length;
    fill('supernodes-body', sns.map(function (sn) {
      return [sn.sockaddr, sn.version, sn.selection, ago(sn.last_seen)];
    }));
  }).catch(function () {});

  rpc('get_packetstats').then(function (buckets) {
    buckets.forEach(function (b) {
      if (b.type === 'sn_fwd') document.getElementById('n-fwd').textContent = b.tx_pkt;
    });
  }).catch(function () {});
}

update();
setInterval(update, 10000);
`
