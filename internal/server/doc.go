// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 bananaflow API 与指标端口的 HTTP/HTTPS 监听生命周期。

Manager 封装 net/http.Server：Start/StartTLS 非阻塞启动，StartTLS
使用 tlsutil 的加固配置；Shutdown 在超时内排空请求；
WaitForShutdown 监听 SIGINT/SIGTERM 或异步错误后触发关闭。
默认写超时大于单次生图的连接超时。
*/
package server
