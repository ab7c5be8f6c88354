package server

import "net/http"

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>HashDash</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  :root {
    --bg: #0c0a09; --surface: #1c1917; --border: rgba(249,115,22,0.12);
    --text: #fafaf9; --text-dim: #a8a29e; --text-muted: #57534e;
    --orange: #f97316; --green: #22c55e; --red: #ef4444;
  }
  body {
    font-family: -apple-system, 'Segoe UI', system-ui, sans-serif;
    background: var(--bg); color: var(--text); min-height: 100vh; padding: 40px 24px;
  }
  .container { max-width: 880px; margin: 0 auto; }
  .header {
    display: flex; align-items: center; gap: 16px; margin-bottom: 32px;
    padding-bottom: 20px; border-bottom: 1px solid var(--border);
  }
  .header h1 { font-size: 26px; font-weight: 800; color: var(--orange); }
  .header .spacer { flex: 1; }
  .pill {
    font-size: 12px; font-weight: 600; padding: 6px 14px; border-radius: 20px;
    color: var(--green); border: 1px solid rgba(34,197,94,0.2);
  }
  .pill.offline { color: var(--text-muted); border-color: var(--border); }
  .grid { display: grid; grid-template-columns: repeat(3, 1fr); gap: 12px; margin-bottom: 24px; }
  .card { background: var(--surface); border: 1px solid var(--border); border-radius: 14px; padding: 18px; }
  .card .label { font-size: 11px; color: var(--text-muted); text-transform: uppercase; letter-spacing: 1px; }
  .card .value { font-size: 22px; font-weight: 700; margin-top: 6px; font-family: 'SF Mono', 'Menlo', monospace; }
  .card .sub { font-size: 11px; color: var(--text-dim); margin-top: 4px; }
  table { width: 100%; border-collapse: collapse; font-size: 12px; font-family: 'SF Mono', 'Menlo', monospace; }
  th, td { text-align: left; padding: 8px; border-bottom: 1px solid var(--border); }
  th { color: var(--text-muted); font-weight: 600; }
  .section { margin-bottom: 24px; }
  .section h2 { font-size: 13px; color: var(--text-dim); margin-bottom: 10px; }
  .failed { color: var(--red); }
  .confirmed { color: var(--green); }
</style>
</head>
<body>
<div class="container">
  <div class="header">
    <h1>HashDash</h1>
    <div class="spacer"></div>
    <div class="pill offline" id="pill">Connecting</div>
  </div>

  <div class="grid">
    <div class="card"><div class="label">Balance</div><div class="value" id="balance">--</div><div class="sub" id="credited"></div></div>
    <div class="card"><div class="label">Hash rate</div><div class="value" id="rate">--</div><div class="sub" id="normalized"></div></div>
    <div class="card"><div class="label">Difficulty</div><div class="value" id="difficulty">--</div><div class="sub" id="diffSource"></div></div>
  </div>

  <div class="section">
    <h2>Payouts</h2>
    <table><thead><tr><th>Amount</th><th>Source</th><th>Time</th></tr></thead><tbody id="payouts"></tbody></table>
  </div>

  <div class="section">
    <h2>Withdrawals</h2>
    <table><thead><tr><th>ID</th><th>Amount</th><th>Status</th><th>Confs</th></tr></thead><tbody id="withdrawals"></tbody></table>
  </div>
</div>

<script>
const $ = id => document.getElementById(id);

async function fetchJSON(url) {
  try {
    const res = await fetch(url);
    if (!res.ok) throw new Error(res.status);
    return await res.json();
  } catch { return null; }
}

function renderStatus(s) {
  $('balance').textContent = s.ledger.balance;
  $('credited').textContent = 'credited ' + s.ledger.total_credited;
  $('rate').textContent = s.mining.rate.value + ' ' + (s.mining.rate.unit === 'high' ? 'H/s' : 'TH/s');
  $('normalized').textContent = s.mining.normalized_rate + ' H/s';
  $('difficulty').textContent = Number(s.difficulty.difficulty).toExponential(3);
  $('diffSource').textContent = s.difficulty.source;
  const pill = $('pill');
  pill.className = s.mining.mining ? 'pill' : 'pill offline';
  pill.textContent = s.mining.mining ? 'Mining' : 'Idle';
}

async function refreshTables() {
  const payouts = await fetchJSON('/api/payouts?limit=10');
  if (payouts) {
    $('payouts').innerHTML = payouts.map(p =>
      '<tr><td>' + p.amount + '</td><td>' + p.source + '</td><td>' + new Date(p.timestamp).toLocaleTimeString() + '</td></tr>'
    ).join('');
  }
  const txs = await fetchJSON('/api/withdrawals?limit=10');
  if (txs) {
    $('withdrawals').innerHTML = txs.map(t =>
      '<tr><td>' + t.id.substring(0, 8) + '</td><td>' + t.amount + '</td><td class="' + t.status + '">' + t.status + '</td><td>' + t.confirmations + '</td></tr>'
    ).join('');
  }
}

async function poll() {
  const s = await fetchJSON('/status');
  if (s) renderStatus(s); else { $('pill').className = 'pill offline'; $('pill').textContent = 'Offline'; }
  refreshTables();
}

function connect() {
  const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
  ws.onmessage = e => {
    const ev = JSON.parse(e.data);
    if (ev.type === 'status') renderStatus(ev.data);
    else if (ev.type === 'payout' || ev.type === 'withdrawal') refreshTables();
    else if (ev.type === 'ledger') $('balance').textContent = ev.data.balance;
  };
  ws.onclose = () => setTimeout(connect, 3000);
}

poll();
connect();
setInterval(poll, 10000);
</script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}
