package api

const eventsDocsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Event Stream - web-loader</title>
  <style>
    *, *::before, *::after { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", sans-serif;
      font-size: 14px;
      line-height: 1.65;
      background: #0d1117;
      color: #c9d1d9;
    }

    a { color: #58a6ff; text-decoration: none; }
    a:hover { text-decoration: underline; }

    nav {
      background: #161b22;
      border-bottom: 1px solid #30363d;
      padding: 0 24px;
      height: 48px;
      display: flex;
      align-items: center;
      gap: 24px;
    }
    nav .brand { font-weight: 600; font-size: 15px; color: #e6edf3; }
    nav .sep { color: #484f58; }
    nav .current { color: #e6edf3; font-weight: 500; }

    main {
      max-width: 900px;
      margin: 0 auto;
      padding: 32px 16px 64px;
    }
    h1 { margin: 0 0 8px; font-size: 28px; font-weight: 600; color: #e6edf3; }
    .subtitle { color: #8b949e; margin: 0 0 36px; font-size: 15px; }
    h2 {
      margin: 40px 0 12px;
      font-size: 18px;
      font-weight: 600;
      color: #e6edf3;
      padding-bottom: 8px;
      border-bottom: 1px solid #21262d;
    }

    .endpoint {
      display: inline-flex;
      gap: 10px;
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 6px;
      padding: 10px 16px;
      margin: 0 12px 20px 0;
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
    }
    .method {
      background: #1f6feb;
      color: #fff;
      font-weight: 700;
      font-size: 11px;
      padding: 2px 7px;
      border-radius: 4px;
    }

    table { width: 100%; border-collapse: collapse; margin-bottom: 20px; font-size: 13px; }
    th {
      text-align: left;
      padding: 8px 12px;
      background: #161b22;
      color: #8b949e;
      border-bottom: 1px solid #30363d;
    }
    td { padding: 8px 12px; border-bottom: 1px solid #21262d; vertical-align: top; }

    code {
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      font-size: 12px;
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 3px;
      padding: 1px 5px;
      color: #e6edf3;
    }
    pre {
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 6px;
      padding: 16px;
      overflow-x: auto;
    }
    pre code { background: none; border: none; padding: 0; font-size: 13px; color: #c9d1d9; }
  </style>
</head>
<body>
<nav>
  <span class="brand">web-loader</span>
  <span class="sep">/</span>
  <span class="current">Event Stream</span>
  <a href="/docs">REST API Docs</a>
</nav>
<main>
  <h1>Event Stream</h1>
  <p class="subtitle">Session changes and export progress, pushed as they happen.</p>

  <h2 id="endpoints">Endpoints</h2>
  <div class="endpoint"><span class="method">GET</span><span>/api/v1/events</span></div>
  <div class="endpoint"><span class="method">GET</span><span>/api/v1/events/ws</span></div>
  <p>
    The first endpoint is a Server-Sent Events stream. The second upgrades to a
    WebSocket and sends one JSON text frame per event. Both accept
    <code>?types=export-progress,export-done</code> to receive a subset.
  </p>

  <h2 id="types">Event Types</h2>
  <table>
    <thead><tr><th>Type</th><th>Payload</th></tr></thead>
    <tbody>
      <tr>
        <td><code>session</code></td>
        <td>The session after navigate, pause, resume or stop: <code>sessionId</code>, <code>state</code>, <code>tempDir</code>, <code>startedAt</code>.</td>
      </tr>
      <tr>
        <td><code>export-progress</code></td>
        <td><code>total</code>, <code>completed</code>, <code>failed</code>, <code>bytesTotal</code>, <code>bytesCompleted</code>. Sent once before the first record and after every record.</td>
      </tr>
      <tr>
        <td><code>export-done</code></td>
        <td><code>sessionId</code> with either <code>result</code> or <code>error</code>.</td>
      </tr>
    </tbody>
  </table>

  <h2 id="sse">SSE Format</h2>
  <pre><code>event: export-progress
data: {"total":42,"completed":7,"failed":1,"bytesTotal":0,"bytesCompleted":183220}
</code></pre>

  <h2 id="ws">WebSocket Format</h2>
  <pre><code>{"type":"export-progress","data":{"total":42,"completed":7,"failed":1,"bytesTotal":0,"bytesCompleted":183220}}</code></pre>

  <h2 id="examples">Examples</h2>
  <pre><code>curl -N http://127.0.0.1:8190/api/v1/events?types=export-progress,export-done
websocat ws://127.0.0.1:8190/api/v1/events/ws</code></pre>
  <p>
    Subscribers that fall behind lose events instead of slowing the export.
  </p>
</main>
</body>
</html>`
