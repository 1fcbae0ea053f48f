package webserver

// indexHTML is the minimal built-in status page. It polls the JSON surface,
// everything richer is expected to live in an external dashboard.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>EOS Connect</title>
<style>
body { font-family: sans-serif; margin: 2em; background: #1c1c1c; color: #e0e0e0; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; margin-top: 1em; }
td { padding: 0.2em 1em 0.2em 0; }
a { color: #7fb4e0; }
</style>
</head>
<body>
<h1>EOS Connect</h1>
<table id="state"></table>
<p>
<a href="/json/current_controls.json">current controls</a> &middot;
<a href="/json/optimize_request.json">last request</a> &middot;
<a href="/json/optimize_response.json">last response</a> &middot;
<a href="/logs">logs</a> &middot;
<a href="/logs/alerts">alerts</a>
</p>
<script>
async function refresh() {
  const res = await fetch('/json/current_controls.json');
  if (!res.ok) return;
  const data = await res.json();
  const rows = [
    ['Overall state', data.current_states.inverter_mode],
    ['AC charge demand', data.current_states.ac_charge_demand + ' W'],
    ['DC charge demand', data.current_states.dc_charge_demand + ' W'],
    ['Discharge allowed', data.current_states.discharge_allowed],
    ['Override active', data.current_states.override_active],
    ['Battery SoC', data.battery.soc + ' %'],
    ['EVCC', data.evcc.charging_state + ' (' + data.evcc.charging_mode + ')'],
    ['Optimization', data.state.request_state],
    ['Next run', data.state.next_run],
  ];
  document.getElementById('state').innerHTML =
    rows.map(r => '<tr><td>' + r[0] + '</td><td>' + r[1] + '</td></tr>').join('');
}
refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`
