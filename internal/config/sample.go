package config

// Sample is the starter config written by `lag-watch init`.
const Sample = `version: 1

global:
  interval: 10m
  threshold: 10
  request_timeout: 5s
  fetch_retries: 0
  timezone: America/New_York
  # db_path: lag-watch.db
  # journal_retention: 168h

network:
  rpc_url: https://eth-mainnet.g.alchemy.com/v2/{api_key}
  api_key_env: ALCHEMY_API_KEY

indexer:
  graphql_url: https://hasura.example.org/v1/graphql
  query: "query MyQuery { cursors { block_id block_num cursor id } }"
  collection: cursors
  field: block_num
  policy: max

sinks:
  - id: slack
    type: slack_api
    channel: "#webserver-alerts"
    token_env: SLACK_OAUTH_TOKEN

log:
  level: info
  format: text
`
