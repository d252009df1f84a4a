// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package tlsutil 提供出站图像请求与 HTTPS 监听共用的 TLS 配置。
package tlsutil
